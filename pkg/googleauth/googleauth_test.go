package googleauth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

func TestTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens", "me.json")

	_, err := LoadToken(path)
	assert.True(t, errors.Is(err, ErrNoToken))

	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Expiry: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, SaveToken(path, tok))

	got, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "r", got.RefreshToken)
	assert.True(t, tok.Expiry.Equal(got.Expiry))
}

type seqSource struct {
	tokens []string
	i      int
}

func (s *seqSource) Token() (*oauth2.Token, error) {
	t := &oauth2.Token{AccessToken: s.tokens[s.i]}
	if s.i < len(s.tokens)-1 {
		s.i++
	}
	return t, nil
}

func TestNotifyTokenSourceReportsRefresh(t *testing.T) {
	var seen []string
	src := &notifyTokenSource{
		src:     &seqSource{tokens: []string{"a", "a", "b"}},
		current: &oauth2.Token{AccessToken: "a"},
		callback: func(t *oauth2.Token) error {
			seen = append(seen, t.AccessToken)
			return nil
		},
		log: zap.NewNop(),
	}
	for i := 0; i < 4; i++ {
		_, err := src.Token()
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"b"}, seen)
}
