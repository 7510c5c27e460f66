package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"inbox-agent/internal/inbox/domain"
	"inbox-agent/internal/inbox/repository"
	"inbox-agent/pkg/database"
	"inbox-agent/pkg/mailparse"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFeed struct {
	boot       *domain.Changes
	changes    map[string]*domain.Changes
	gone       map[string]bool
	unreadable map[string]bool
	fetchErr   error
	bootCalls  int
	fetchCalls int
}

func (f *fakeFeed) Bootstrap(ctx context.Context, limit int) (*domain.Changes, error) {
	f.bootCalls++
	out := *f.boot
	if len(out.Refs) > limit {
		out.Refs = out.Refs[len(out.Refs)-limit:]
	}
	return &out, nil
}

func (f *fakeFeed) Changes(ctx context.Context, position string) (*domain.Changes, error) {
	c, ok := f.changes[position]
	if !ok {
		return nil, domain.ErrStalePosition
	}
	return c, nil
}

func (f *fakeFeed) Fetch(ctx context.Context, id string) (*mailparse.Message, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.gone[id] {
		return nil, domain.ErrMessageGone
	}
	if f.unreadable[id] {
		return nil, fmt.Errorf("%w: reading message header: malformed MIME header line", domain.ErrUnreadable)
	}
	return &mailparse.Message{Subject: "subject " + id}, nil
}

func refs(ids ...string) []domain.Ref {
	out := make([]domain.Ref, len(ids))
	for i, id := range ids {
		out[i] = domain.Ref{ID: id, ThreadID: "t-" + id}
	}
	return out
}

type recorder struct {
	ids        []string
	unreadable []string
	err        error
}

func (r *recorder) Ingest(ctx context.Context, ref domain.Ref, msg *mailparse.Message) error {
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, ref.ID)
	return nil
}

func (r *recorder) IngestUnreadable(ctx context.Context, ref domain.Ref, cause error) error {
	if r.err != nil {
		return r.err
	}
	r.unreadable = append(r.unreadable, ref.ID)
	return nil
}

func newPoller(t *testing.T, feed Feed) (PollerUsecase, repository.CursorRepository) {
	t.Helper()
	db, err := database.NewSQLiteMemory(uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Cursor{}))
	t.Cleanup(func() { _ = database.Close(db) })

	cursors := repository.NewGormCursorRepository(db)
	p := NewPollerUsecase(feed, cursors, PollerConfig{
		AccountID:     "me@example.com",
		Provider:      domain.ProviderGmail,
		BackfillLimit: 2,
	}, zap.NewNop())
	return p, cursors
}

func TestFirstPollBackfills(t *testing.T) {
	feed := &fakeFeed{boot: &domain.Changes{Refs: refs("m1", "m2", "m3"), Position: "100"}}
	p, cursors := newPoller(t, feed)
	rec := &recorder{}

	n, err := p.Poll(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m2", "m3"}, rec.ids)

	c, err := cursors.Get(context.Background(), "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "100", c.Position)
}

func TestPollAdvancesCursor(t *testing.T) {
	feed := &fakeFeed{
		boot: &domain.Changes{Position: "100"},
		changes: map[string]*domain.Changes{
			"100": {Refs: refs("m4", "m5"), Position: "120"},
			"120": {Position: "120"},
		},
		gone: map[string]bool{"m4": true},
	}
	p, cursors := newPoller(t, feed)
	rec := &recorder{}

	_, err := p.Poll(context.Background(), rec)
	require.NoError(t, err)
	n, err := p.Poll(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m5"}, rec.ids)

	n, err = p.Poll(context.Background(), rec)
	require.NoError(t, err)
	assert.Zero(t, n)

	c, err := cursors.Get(context.Background(), "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "120", c.Position)
	assert.Equal(t, 1, feed.bootCalls)
}

func TestRecordFailureKeepsCursor(t *testing.T) {
	feed := &fakeFeed{
		boot:    &domain.Changes{Position: "100"},
		changes: map[string]*domain.Changes{"100": {Refs: refs("m4"), Position: "120"}},
	}
	p, cursors := newPoller(t, feed)
	_, err := p.Poll(context.Background(), &recorder{})
	require.NoError(t, err)

	_, err = p.Poll(context.Background(), &recorder{err: errors.New("disk full")})
	require.Error(t, err)

	c, err := cursors.Get(context.Background(), "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "100", c.Position)

	// The retried poll sees the same message again.
	rec := &recorder{}
	_, err = p.Poll(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4"}, rec.ids)
}

func TestUnreadableMessageDoesNotBlockBatch(t *testing.T) {
	feed := &fakeFeed{
		boot: &domain.Changes{Position: "100"},
		changes: map[string]*domain.Changes{
			"100": {Refs: refs("bad", "good1", "good2"), Position: "130"},
			"130": {Position: "130"},
		},
		unreadable: map[string]bool{"bad": true},
	}
	p, cursors := newPoller(t, feed)
	_, err := p.Poll(context.Background(), &recorder{})
	require.NoError(t, err)

	rec := &recorder{}
	n, err := p.Poll(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"bad"}, rec.unreadable)
	assert.Equal(t, []string{"good1", "good2"}, rec.ids)

	c, err := cursors.Get(context.Background(), "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "130", c.Position)
}

func TestTransientFetchErrorKeepsCursor(t *testing.T) {
	feed := &fakeFeed{
		boot:    &domain.Changes{Position: "100"},
		changes: map[string]*domain.Changes{"100": {Refs: refs("m4"), Position: "120"}},
	}
	p, cursors := newPoller(t, feed)
	_, err := p.Poll(context.Background(), &recorder{})
	require.NoError(t, err)

	feed.fetchErr = errors.New("connection reset by peer")
	rec := &recorder{}
	_, err = p.Poll(context.Background(), rec)
	require.Error(t, err)
	assert.Empty(t, rec.unreadable)

	c, err := cursors.Get(context.Background(), "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "100", c.Position)
}

func TestStalePositionFallsBackToBootstrap(t *testing.T) {
	feed := &fakeFeed{boot: &domain.Changes{Refs: refs("m9"), Position: "900"}}
	p, cursors := newPoller(t, feed)
	require.NoError(t, cursors.Save(context.Background(), &domain.Cursor{
		AccountID: "me@example.com", Provider: domain.ProviderGmail, Position: "5",
	}))

	rec := &recorder{}
	_, err := p.Poll(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"m9"}, rec.ids)
	assert.Equal(t, 1, feed.bootCalls)

	c, err := cursors.Get(context.Background(), "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "900", c.Position)
}
