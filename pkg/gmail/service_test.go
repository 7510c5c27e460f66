package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"inbox-agent/internal/apperr"
	"inbox-agent/internal/inbox/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const rawMessage = "From: Dana <dana@example.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Budget review\r\n" +
	"Date: Thu, 05 Mar 2026 09:00:00 +0000\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Can we meet Tuesday at 3pm?\r\n"

func newFakeGmail(t *testing.T) *Service {
	t.Helper()
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		write(w, map[string]interface{}{"emailAddress": "me@example.com", "historyId": "5000"})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "in:inbox -is:chat", r.URL.Query().Get("q"))
		write(w, map[string]interface{}{"messages": []map[string]string{
			{"id": "m3", "threadId": "t2"},
			{"id": "m2", "threadId": "t1"},
			{"id": "m1", "threadId": "t1"},
		}})
	})
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("startHistoryId") {
		case "1":
			w.WriteHeader(http.StatusNotFound)
			write(w, map[string]interface{}{"error": map[string]interface{}{"code": 404, "message": "Requested entity was not found."}})
		case "2":
			w.WriteHeader(http.StatusServiceUnavailable)
			write(w, map[string]interface{}{"error": map[string]interface{}{"code": 503, "message": "backend error"}})
		default:
			if r.URL.Query().Get("pageToken") == "" {
				write(w, map[string]interface{}{
					"historyId":     "5100",
					"nextPageToken": "p2",
					"history": []map[string]interface{}{
						{"messagesAdded": []map[string]interface{}{{"message": map[string]interface{}{"id": "m4", "threadId": "t3"}}}},
						{"messagesAdded": []map[string]interface{}{{"message": map[string]interface{}{"id": "m4", "threadId": "t3"}}}},
					},
				})
				return
			}
			write(w, map[string]interface{}{
				"historyId": "5200",
				"history": []map[string]interface{}{
					{"messagesAdded": []map[string]interface{}{{"message": map[string]interface{}{"id": "c1", "labelIds": []string{"CHAT"}}}}},
					{"messagesAdded": []map[string]interface{}{{"message": map[string]interface{}{"id": "m5", "threadId": "t3"}}}},
				},
			})
		}
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		if id != "m1" {
			w.WriteHeader(http.StatusNotFound)
			write(w, map[string]interface{}{"error": map[string]interface{}{"code": 404, "message": "Requested entity was not found."}})
			return
		}
		assert.Equal(t, "raw", r.URL.Query().Get("format"))
		write(w, map[string]interface{}{
			"id":       "m1",
			"threadId": "t1",
			"raw":      base64.URLEncoding.EncodeToString([]byte(rawMessage)),
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), srv.Client(), zap.NewNop(), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return s
}

func TestBootstrapOldestFirst(t *testing.T) {
	s := newFakeGmail(t)
	changes, err := s.Bootstrap(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "5000", changes.Position)
	assert.Equal(t, []domain.Ref{
		{ID: "m1", ThreadID: "t1"},
		{ID: "m2", ThreadID: "t1"},
		{ID: "m3", ThreadID: "t2"},
	}, changes.Refs)
}

func TestChangesFollowsPagesAndDedupes(t *testing.T) {
	s := newFakeGmail(t)
	changes, err := s.Changes(context.Background(), "4900")
	require.NoError(t, err)
	assert.Equal(t, "5200", changes.Position)
	assert.Equal(t, []domain.Ref{
		{ID: "m4", ThreadID: "t3"},
		{ID: "m5", ThreadID: "t3"},
	}, changes.Refs)
}

func TestChangesStalePosition(t *testing.T) {
	s := newFakeGmail(t)
	_, err := s.Changes(context.Background(), "1")
	assert.ErrorIs(t, err, domain.ErrStalePosition)

	_, err = s.Changes(context.Background(), "not-a-number")
	assert.ErrorIs(t, err, domain.ErrStalePosition)
}

func TestChangesServerErrorIsTransient(t *testing.T) {
	s := newFakeGmail(t)
	_, err := s.Changes(context.Background(), "2")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransientIO))
}

func TestFetchParsesRaw(t *testing.T) {
	s := newFakeGmail(t)
	msg, err := s.Fetch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "dana@example.com", msg.From)
	assert.Equal(t, "Budget review", msg.Subject)
	assert.Equal(t, "Can we meet Tuesday at 3pm?", msg.Text)

	_, err = s.Fetch(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrMessageGone)
}
