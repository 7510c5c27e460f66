package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"inbox-agent/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// fakeCalendar keeps events by id and answers 409 on a repeated id.
type fakeCalendar struct {
	mu      sync.Mutex
	events  map[string]map[string]interface{}
	inserts int
}

func (f *fakeCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	const prefix = "/calendars/primary/events"
	switch {
	case r.Method == http.MethodPost && r.URL.Path == prefix:
		f.inserts++
		var ev map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id, _ := ev["id"].(string)
		if _, ok := f.events[id]; ok {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"code":409,"message":"The requested identifier already exists."}}`))
			return
		}
		ev["htmlLink"] = "https://calendar.google.com/event?eid=" + id
		f.events[id] = ev
		_ = json.NewEncoder(w).Encode(ev)
	case r.Method == http.MethodGet && len(r.URL.Path) > len(prefix)+1:
		ev, ok := f.events[r.URL.Path[len(prefix)+1:]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(ev)
	default:
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"boom"}}`))
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), srv.Client(), "", time.UTC, zap.NewNop(), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return c
}

func TestEventID(t *testing.T) {
	assert.Equal(t, "0f8fad5bd9cb469fa16570867728950e", EventID("0F8FAD5B-D9CB-469F-A165-70867728950E"))
}

func TestCreateEventIsIdempotentByTaskID(t *testing.T) {
	fake := &fakeCalendar{events: map[string]map[string]interface{}{}}
	c := newTestClient(t, fake)

	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	req := EventRequest{
		TaskID: "0f8fad5b-d9cb-469f-a165-70867728950e",
		Title:  "Budget review",
		Start:  start,
		End:    start.Add(30 * time.Minute),
	}
	first, err := c.CreateEvent(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0f8fad5bd9cb469fa16570867728950e", first.ID)
	assert.NotEmpty(t, first.Link)

	second, err := c.CreateEvent(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, fake.events, 1)
	assert.Equal(t, 2, fake.inserts)

	ev := fake.events[first.ID]
	assert.Equal(t, "2026-03-10T15:00:00Z", ev["start"].(map[string]interface{})["dateTime"])
	assert.Equal(t, "UTC", ev["start"].(map[string]interface{})["timeZone"])
}

func TestCreateReminderOverrides(t *testing.T) {
	fake := &fakeCalendar{events: map[string]map[string]interface{}{}}
	c := newTestClient(t, fake)

	item, err := c.CreateReminder(context.Background(), ReminderRequest{
		TaskID: "r-1",
		Title:  "Pay rent",
		Due:    time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		Lead:   48 * time.Hour,
	})
	require.NoError(t, err)

	ev := fake.events[item.ID]
	rem := ev["reminders"].(map[string]interface{})
	assert.Equal(t, false, rem["useDefault"])
	overrides := rem["overrides"].([]interface{})
	require.Len(t, overrides, 2)
	assert.EqualValues(t, 2880, overrides[0].(map[string]interface{})["minutes"])
}

func TestCreateEventServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":503,"message":"unavailable"}}`))
	}))

	_, err := c.CreateEvent(context.Background(), EventRequest{TaskID: "x", Title: "t", Start: time.Now()})
	assert.True(t, apperr.Is(err, apperr.KindTransientIO), "got %v", err)
}
