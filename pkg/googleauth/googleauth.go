// Package googleauth builds OAuth 2.0 HTTP clients for Google APIs from a
// token file kept next to the service configuration.
package googleauth

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// TokenUpdateFunc is called whenever the access token was refreshed.
type TokenUpdateFunc func(*oauth2.Token) error

// ErrNoToken is returned when the token file does not exist yet.
var ErrNoToken = errors.New("oauth token file not found; run the authorize command first")

type notifyTokenSource struct {
	mu       sync.Mutex
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback TokenUpdateFunc
	log      *zap.Logger
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			s.log.Warn("failed to persist refreshed token", zap.Error(err))
		}
	}
	return t, nil
}

// Config returns the OAuth client configuration for the installed-app flow.
func Config(clientID, clientSecret, redirectURL string, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

// LoadToken reads a token written by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNoToken, path)
		}
		return nil, errors.Wrapf(err, "reading token %s", path)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, errors.Wrapf(err, "decoding token %s", path)
	}
	return &tok, nil
}

// SaveToken writes tok atomically with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	b, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding token")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrapf(err, "creating token directory for %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrapf(err, "writing token %s", path)
	}
	return errors.Wrapf(os.Rename(tmp, path), "replacing token %s", path)
}

// NewHTTPClient returns a client authorized by the token stored at path.
// Refreshed tokens are written back to the same file.
func NewHTTPClient(ctx context.Context, cfg *oauth2.Config, path string, log *zap.Logger) (*http.Client, error) {
	tok, err := LoadToken(path)
	if err != nil {
		return nil, err
	}
	src := &notifyTokenSource{
		src:     cfg.TokenSource(ctx, tok),
		current: tok,
		callback: func(t *oauth2.Token) error {
			return SaveToken(path, t)
		},
		log: log.Named("oauth"),
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}
