package usecase

import (
	"context"
	"time"

	msgdomain "inbox-agent/internal/message/domain"
)

// DigestUsecase summarizes recent mail per category.
type DigestUsecase interface {
	// Build groups the messages an account received since the given time.
	Build(ctx context.Context, accountID string, since time.Time) (*Digest, error)
	// Send builds the digest of the last Window and delivers it. An empty
	// digest is not sent.
	Send(ctx context.Context, accountID string) (*Digest, error)
}

// Digest is the summary of one account's recent mail.
type Digest struct {
	AccountID string    `json:"account_id"`
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
	Total     int       `json:"total"`
	// Unclassified counts messages that never got a shallow result.
	Unclassified int     `json:"unclassified"`
	Groups       []Group `json:"groups"`
	Overview     string  `json:"overview,omitempty"`
}

// Group counts one category and lists its most important messages.
type Group struct {
	Category msgdomain.Category `json:"category"`
	Count    int                `json:"count"`
	Top      []Item             `json:"top"`
}

// Item is one message line in a digest.
type Item struct {
	MessageID  string                   `json:"message_id"`
	From       string                   `json:"from"`
	Subject    string                   `json:"subject"`
	Importance float64                  `json:"importance"`
	Summary    string                   `json:"summary"`
	State      msgdomain.LifecycleState `json:"state"`
}

// Config controls digest windows and the daily schedule.
type Config struct {
	Window time.Duration
	// TopPerCategory bounds the items listed per category.
	TopPerCategory int
	// Hour is the local hour of the daily run.
	Hour     int
	Location *time.Location
}

// MessageLister reads recent messages.
type MessageLister interface {
	ListSince(ctx context.Context, accountID string, since time.Time) ([]*msgdomain.Message, error)
}
