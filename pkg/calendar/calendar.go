// Package calendar creates events and reminders in Google Calendar.
package calendar

import (
	"context"
	"net/http"
	"strings"
	"time"

	"inbox-agent/internal/apperr"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Scope is the OAuth scope the calendar token must carry.
const Scope = gcal.CalendarEventsScope

const defaultReminderDuration = 30 * time.Minute

// EventRequest describes a timed event. TaskID makes the insert idempotent.
type EventRequest struct {
	TaskID      string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	SourceURL   string
}

// ReminderRequest describes a deadline. The calendar alerts Lead before Due.
type ReminderRequest struct {
	TaskID      string
	Title       string
	Description string
	Due         time.Time
	Lead        time.Duration
	SourceURL   string
}

// Item identifies a created calendar entry.
type Item struct {
	ID   string
	Link string
}

// Client wraps the Calendar v3 events API for one calendar.
type Client struct {
	events     *gcal.EventsService
	calendarID string
	loc        *time.Location
	log        *zap.Logger
}

// New returns a client writing to calendarID ("primary" when empty).
func New(ctx context.Context, httpClient *http.Client, calendarID string, loc *time.Location, log *zap.Logger, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create Calendar service")
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	if loc == nil {
		loc = time.Local
	}
	return &Client{
		events:     srv.Events,
		calendarID: calendarID,
		loc:        loc,
		log:        log.Named("calendar"),
	}, nil
}

// EventID derives the client-supplied event id from a task id. Calendar ids
// use base32hex characters, which lowercase hex digits satisfy.
func EventID(taskID string) string {
	return strings.ToLower(strings.ReplaceAll(taskID, "-", ""))
}

func (c *Client) CreateEvent(ctx context.Context, req EventRequest) (*Item, error) {
	end := req.End
	if !end.After(req.Start) {
		end = req.Start.Add(defaultReminderDuration)
	}
	ev := &gcal.Event{
		Id:          EventID(req.TaskID),
		Summary:     req.Title,
		Description: req.Description,
		Start:       c.dateTime(req.Start),
		End:         c.dateTime(end),
	}
	if req.SourceURL != "" {
		ev.Source = &gcal.EventSource{Title: "Email", Url: req.SourceURL}
	}
	return c.insert(ctx, ev)
}

// CreateReminder adds a short event at the deadline whose popup and email
// reminders fire Lead ahead of it.
func (c *Client) CreateReminder(ctx context.Context, req ReminderRequest) (*Item, error) {
	lead := int64(req.Lead / time.Minute)
	// Calendar rejects overrides beyond four weeks.
	if lead > 40320 {
		lead = 40320
	}
	if lead < 0 {
		lead = 0
	}
	ev := &gcal.Event{
		Id:          EventID(req.TaskID),
		Summary:     req.Title,
		Description: req.Description,
		Start:       c.dateTime(req.Due),
		End:         c.dateTime(req.Due.Add(defaultReminderDuration)),
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "popup", Minutes: lead},
				{Method: "email", Minutes: lead},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
	if req.SourceURL != "" {
		ev.Source = &gcal.EventSource{Title: "Email", Url: req.SourceURL}
	}
	return c.insert(ctx, ev)
}

// insert creates ev. A 409 means an earlier attempt already created the
// event under the same id, so the existing event is returned.
func (c *Client) insert(ctx context.Context, ev *gcal.Event) (*Item, error) {
	created, err := c.events.Insert(c.calendarID, ev).Context(ctx).Do()
	if err == nil {
		c.log.Info("event created", zap.String("event_id", created.Id), zap.String("title", ev.Summary))
		return &Item{ID: created.Id, Link: created.HtmlLink}, nil
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusConflict {
		return nil, classify("calendar.insert", errors.Wrapf(err, "inserting event %s", ev.Id))
	}
	existing, err := c.events.Get(c.calendarID, ev.Id).Context(ctx).Do()
	if err != nil {
		return nil, classify("calendar.get", errors.Wrapf(err, "loading existing event %s", ev.Id))
	}
	c.log.Debug("event already existed", zap.String("event_id", existing.Id))
	return &Item{ID: existing.Id, Link: existing.HtmlLink}, nil
}

// classify marks throttling and server errors as transient.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500) {
		return apperr.TransientIO(op, err)
	}
	return apperr.ClassifyIO(op, err)
}

func (c *Client) dateTime(t time.Time) *gcal.EventDateTime {
	t = t.In(c.loc)
	dt := &gcal.EventDateTime{DateTime: t.Format(time.RFC3339)}
	if name := c.loc.String(); name != "Local" {
		dt.TimeZone = name
	}
	return dt
}
