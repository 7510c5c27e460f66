package domain

import (
	"fmt"
	"time"
)

// Kind is the side effect a ledger row stands for.
type Kind string

const (
	KindCalendarEvent Kind = "calendar_event"
	KindReminder      Kind = "reminder"
	// KindNotification is the immediate alert planned for a calendar effect.
	KindNotification         Kind = "notification"
	KindDeferredNotification Kind = "deferred_notification"
	// KindAgentNotification is a message the agent chose to send the user.
	KindAgentNotification Kind = "agent_notification"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCalendarEvent, KindReminder, KindNotification, KindDeferredNotification, KindAgentNotification:
		return true
	}
	return false
}

// Calendar reports whether rows of kind k are written to the calendar.
func (k Kind) Calendar() bool {
	return k == KindCalendarEvent || k == KindReminder
}

// TaskStatus represents the delivery state of a ledger row
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusSent    TaskStatus = "sent"
	TaskStatusFailed  TaskStatus = "failed"
	// TaskStatusAwaitingConfirmation holds a calendar effect proposed to the
	// user until it is confirmed or declined.
	TaskStatusAwaitingConfirmation TaskStatus = "awaiting_confirmation"
	TaskStatusDeclined             TaskStatus = "declined"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusSent, TaskStatusFailed, TaskStatusAwaitingConfirmation, TaskStatusDeclined:
		return true
	}
	return false
}

// Task is one row of the ledger. (MessageID, Kind) is unique at the storage
// layer; rows are never deleted and only status fields change.
type Task struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	MessageID    string     `json:"message_id" gorm:"not null;uniqueIndex:idx_task_message_kind"`
	Kind         Kind       `json:"kind" gorm:"not null;uniqueIndex:idx_task_message_kind"`
	AccountID    string     `json:"account_id" gorm:"index;not null"`
	Sender       string     `json:"sender,omitempty" gorm:"index"`
	Title        string     `json:"title" gorm:"not null"`
	Body         string     `json:"body,omitempty" gorm:"type:text"`
	StartAt      *time.Time `json:"start_at,omitempty"`
	EndAt        *time.Time `json:"end_at,omitempty"`
	TargetAt     *time.Time `json:"target_at,omitempty"`
	TriggerAt    *time.Time `json:"trigger_at,omitempty" gorm:"index"`
	DeepLink     string     `json:"deep_link,omitempty"`
	ExternalID   string     `json:"external_id,omitempty"`
	ExternalLink string     `json:"external_link,omitempty"`
	Status       TaskStatus `json:"status" gorm:"index;not null;default:pending"`
	Attempts     int        `json:"attempts" gorm:"default:0"`
	LastError    string     `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Key is the ledger identity of t.
func (t *Task) Key() string {
	return Key(t.MessageID, t.Kind)
}

// Key formats the ledger identity of the row of kind for a message.
func Key(messageID string, kind Kind) string {
	return fmt.Sprintf("%s/%s", messageID, kind)
}

// SameIntent reports whether two rows for the same key describe the same
// effect, ignoring delivery bookkeeping.
func (t *Task) SameIntent(o *Task) bool {
	return t.MessageID == o.MessageID && t.Kind == o.Kind && t.Title == o.Title &&
		timeEqual(t.StartAt, o.StartAt) && timeEqual(t.EndAt, o.EndAt) &&
		timeEqual(t.TargetAt, o.TargetAt) && timeEqual(t.TriggerAt, o.TriggerAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
