package usecase

import (
	"context"
	"time"

	contactdomain "inbox-agent/internal/contact/domain"
	msgdomain "inbox-agent/internal/message/domain"
	taskdomain "inbox-agent/internal/task/domain"
)

// ClassifierUsecase runs the two model passes over a message
type ClassifierUsecase interface {
	// Shallow triages the envelope and snippet. Exhausting the attempt budget
	// on malformed output returns a ModelOutput error.
	Shallow(ctx context.Context, msg *msgdomain.Message) (*msgdomain.ShallowResult, error)

	// Deep analyzes a message at or above the importance threshold with
	// thread, contact and task history context.
	Deep(ctx context.Context, msg *msgdomain.Message, shallow *msgdomain.ShallowResult) (*msgdomain.DeepResult, error)
}

// Config holds classifier tuning
type Config struct {
	ShallowMaxAttempts int
	DeepMaxAttempts    int
	ThreadHistory      int
	TaskHistory        int
	RelatedMessages    int
	// UserProfile is free text describing the mailbox owner.
	UserProfile string
	Location    *time.Location
}

// ContactLookup is the read side of the contact store
type ContactLookup interface {
	Lookup(ctx context.Context, address string) (*contactdomain.Contact, error)
}

// ThreadReader loads earlier messages of a thread, oldest first
type ThreadReader interface {
	ListThread(ctx context.Context, accountID, threadID, excludeID string, limit int) ([]*msgdomain.Message, error)
}

// TaskHistory lists tasks previously created for a sender
type TaskHistory interface {
	FindBySender(ctx context.Context, sender string, limit int) ([]*taskdomain.Task, error)
}

// RelatedIndex finds semantically similar earlier messages
type RelatedIndex interface {
	Related(ctx context.Context, msg *msgdomain.Message, n int) ([]string, error)
}
