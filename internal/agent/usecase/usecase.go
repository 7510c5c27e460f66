package usecase

import (
	"context"
	"time"

	"inbox-agent/internal/apperr"
	msgdomain "inbox-agent/internal/message/domain"
	taskdomain "inbox-agent/internal/task/domain"
	"inbox-agent/pkg/calendar"
)

// AgentUsecase decides and performs the follow-up actions for one analyzed
// message.
type AgentUsecase interface {
	// Run drives the tool loop for msg. Effects go through the task ledger,
	// so running twice for the same message performs each effect at most
	// once. The returned decision is derived from the ledger.
	Run(ctx context.Context, msg *msgdomain.Message, deep *msgdomain.DeepResult) (*Outcome, error)
}

// Outcome summarizes one agent run.
type Outcome struct {
	Decision msgdomain.Action
	Steps    []Step
	// Tasks are the ledger rows of the message after the run.
	Tasks []*taskdomain.Task
}

// Step is one reasoning call and what the controller observed.
type Step struct {
	Tool        string `json:"tool"`
	Thought     string `json:"thought,omitempty"`
	Observation string `json:"observation"`
}

// Config holds agent tuning
type Config struct {
	MaxSteps int
	// AlwaysAskHuman turns calendar writes into confirmation notifications.
	AlwaysAskHuman   bool
	ReminderLeadTime time.Duration
	// ReminderHistory bounds the sender reminders compared for duplicates.
	ReminderHistory int
	TitleSimilarity float64
	UserProfile     string
	Location        *time.Location
	Backoff         apperr.Backoff
}

// Calendar creates calendar entries. Requests carry the task id so a
// repeated call yields the same entry.
type Calendar interface {
	CreateEvent(ctx context.Context, req calendar.EventRequest) (*calendar.Item, error)
	CreateReminder(ctx context.Context, req calendar.ReminderRequest) (*calendar.Item, error)
}
