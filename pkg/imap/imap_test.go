package imap

import (
	"context"
	"net"
	"strings"
	"testing"

	"inbox-agent/internal/apperr"
	"inbox-agent/internal/inbox/domain"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestServer serves the go-imap memory backend: user "username" with one
// message in INBOX.
func newTestServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return l.Addr().String()
}

func newTestService(t *testing.T, password string) *Service {
	return New(Config{
		Addr:     newTestServer(t),
		Username: "username",
		Password: password,
		Insecure: true,
	}, zap.NewNop())
}

func TestBootstrapThenNoChanges(t *testing.T) {
	s := newTestService(t, "password")
	ctx := context.Background()

	boot, err := s.Bootstrap(ctx, 10)
	require.NoError(t, err)
	require.Len(t, boot.Refs, 1)
	validity, uid, ok := domain.SplitUIDPosition(boot.Position)
	require.True(t, ok)
	assert.Equal(t, s.MessageID(validity, uid), boot.Refs[0].ID)
	assert.True(t, strings.HasPrefix(boot.Refs[0].ID, "username/"))

	// The highest UID is not reported again.
	changes, err := s.Changes(ctx, boot.Position)
	require.NoError(t, err)
	assert.Empty(t, changes.Refs)
	assert.Equal(t, boot.Position, changes.Position)

	// Starting just below it yields it.
	changes, err = s.Changes(ctx, domain.UIDPosition(validity, uid-1))
	require.NoError(t, err)
	require.Len(t, changes.Refs, 1)
	assert.Equal(t, boot.Position, changes.Position)
}

func TestFetchParsesMessage(t *testing.T) {
	s := newTestService(t, "password")
	ctx := context.Background()

	boot, err := s.Bootstrap(ctx, 1)
	require.NoError(t, err)
	require.Len(t, boot.Refs, 1)

	msg, err := s.Fetch(ctx, boot.Refs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "contact@example.org", msg.From)
	assert.Contains(t, msg.Subject, "little message")

	validity, _, _ := domain.SplitUIDPosition(boot.Position)
	_, err = s.Fetch(ctx, s.MessageID(validity, 9999))
	assert.ErrorIs(t, err, domain.ErrMessageGone)
}

func TestChangedValidityIsStale(t *testing.T) {
	s := newTestService(t, "password")
	boot, err := s.Bootstrap(context.Background(), 0)
	require.NoError(t, err)
	validity, uid, _ := domain.SplitUIDPosition(boot.Position)

	_, err = s.Changes(context.Background(), domain.UIDPosition(validity+1, uid))
	assert.ErrorIs(t, err, domain.ErrStalePosition)
}

func TestBadLoginIsConfiguration(t *testing.T) {
	s := newTestService(t, "wrong")
	_, err := s.Bootstrap(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}
