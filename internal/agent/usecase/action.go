package usecase

import (
	"errors"
	"fmt"
	"strings"
	"time"

	taskdomain "inbox-agent/internal/task/domain"
	"inbox-agent/pkg/ai"
)

// Action is one tool invocation chosen by the model. The variants below are
// the whole set.
type Action interface {
	Tool() string
}

// CheckExisting asks whether the ledger already holds a row of Kind for the
// message.
type CheckExisting struct {
	Kind taskdomain.Kind
}

// ScheduleEvent asks for a calendar event. End is derived from a duration
// when the model gives one instead.
type ScheduleEvent struct {
	Title string
	Start time.Time
	End   time.Time
	Notes string
}

// CreateReminder asks for a reminder due at Due.
type CreateReminder struct {
	Title string
	Due   time.Time
	Notes string
}

// SendNotification asks for a push message to the user.
type SendNotification struct {
	Text string
}

// NoOp ends the run.
type NoOp struct {
	Reason string
}

const (
	toolCheckExisting    = "check_existing_task"
	toolScheduleEvent    = "schedule_event"
	toolCreateReminder   = "create_reminder"
	toolSendNotification = "send_notification"
	toolNoOp             = "no_op"
)

func (CheckExisting) Tool() string    { return toolCheckExisting }
func (ScheduleEvent) Tool() string    { return toolScheduleEvent }
func (CreateReminder) Tool() string   { return toolCreateReminder }
func (SendNotification) Tool() string { return toolSendNotification }
func (NoOp) Tool() string             { return toolNoOp }

const defaultEventDuration = 30 * time.Minute

type toolCall struct {
	Thought string `json:"thought"`
	Tool    string `json:"tool"`
	Args    struct {
		Kind            string `json:"kind"`
		Title           string `json:"title"`
		Start           string `json:"start"`
		End             string `json:"end"`
		DurationMinutes int    `json:"duration_minutes"`
		Due             string `json:"due"`
		Notes           string `json:"notes"`
		Text            string `json:"text"`
		Reason          string `json:"reason"`
	} `json:"args"`
}

// parseAction validates one reasoning reply. Local times are read in loc.
func parseAction(text string, loc *time.Location) (Action, string, error) {
	var call toolCall
	if err := ai.DecodeLast(text, &call); err != nil {
		return nil, "", err
	}
	args := call.Args
	thought := strings.TrimSpace(call.Thought)

	switch strings.ToLower(strings.TrimSpace(call.Tool)) {
	case toolCheckExisting:
		kind := taskdomain.Kind(strings.ToLower(strings.TrimSpace(args.Kind)))
		if kind == taskdomain.KindNotification {
			kind = taskdomain.KindAgentNotification
		}
		if !kind.Valid() || kind == taskdomain.KindDeferredNotification {
			return nil, thought, fmt.Errorf("check_existing_task: unknown kind %q", args.Kind)
		}
		return CheckExisting{Kind: kind}, thought, nil

	case toolScheduleEvent:
		title := strings.TrimSpace(args.Title)
		if title == "" {
			return nil, thought, errors.New("schedule_event without title")
		}
		start, err := ai.ParseLocalTime(args.Start, loc)
		if err != nil {
			return nil, thought, fmt.Errorf("schedule_event start: %w", err)
		}
		var end time.Time
		switch {
		case args.End != "":
			if end, err = ai.ParseLocalTime(args.End, loc); err != nil {
				return nil, thought, fmt.Errorf("schedule_event end: %w", err)
			}
		case args.DurationMinutes > 0:
			end = start.Add(time.Duration(args.DurationMinutes) * time.Minute)
		default:
			end = start.Add(defaultEventDuration)
		}
		if !end.After(start) {
			return nil, thought, errors.New("schedule_event end is not after start")
		}
		return ScheduleEvent{Title: title, Start: start, End: end, Notes: strings.TrimSpace(args.Notes)}, thought, nil

	case toolCreateReminder:
		title := strings.TrimSpace(args.Title)
		if title == "" {
			return nil, thought, errors.New("create_reminder without title")
		}
		due, err := ai.ParseLocalTime(args.Due, loc)
		if err != nil {
			return nil, thought, fmt.Errorf("create_reminder due: %w", err)
		}
		return CreateReminder{Title: title, Due: due, Notes: strings.TrimSpace(args.Notes)}, thought, nil

	case toolSendNotification:
		text := strings.TrimSpace(args.Text)
		if text == "" {
			return nil, thought, errors.New("send_notification without text")
		}
		return SendNotification{Text: text}, thought, nil

	case toolNoOp:
		return NoOp{Reason: strings.TrimSpace(args.Reason)}, thought, nil

	case "":
		return nil, thought, errors.New("missing tool")
	default:
		return nil, thought, fmt.Errorf("unknown tool %q", call.Tool)
	}
}
