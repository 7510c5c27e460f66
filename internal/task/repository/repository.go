package repository

import (
	"context"
	"time"

	"inbox-agent/internal/task/domain"
)

// Filter narrows List.
type Filter struct {
	Status    domain.TaskStatus
	Kind      domain.Kind
	MessageID string
	Limit     int
	Offset    int
}

// TaskRepository is the task ledger.
type TaskRepository interface {
	// Reserve inserts task as pending, or as awaiting confirmation when task
	// asks for that status. A second reservation of the same
	// (message, kind) fails with an apperr DuplicateAction error, decided by
	// the unique index rather than by a prior read.
	Reserve(ctx context.Context, task *domain.Task) error
	// Get returns the row for a key, or nil. More than one row is a
	// FatalState error.
	Get(ctx context.Context, messageID string, kind domain.Kind) (*domain.Task, error)
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	ListByMessage(ctx context.Context, messageID string) ([]*domain.Task, error)
	FindBySender(ctx context.Context, sender string, limit int) ([]*domain.Task, error)
	// Claim bumps attempts if the row is still in the observed status and
	// attempt count, so only one worker re-attempts it.
	Claim(ctx context.Context, task *domain.Task) (bool, error)
	// Resolve moves a row from one status to another if it is still in
	// from. It reports whether the row moved.
	Resolve(ctx context.Context, id string, from, to domain.TaskStatus) (bool, error)
	MarkSent(ctx context.Context, id, externalID, externalLink string) error
	MarkFailed(ctx context.Context, id, cause string) error
	// MarkRetry records cause and leaves the row pending for the next tick.
	MarkRetry(ctx context.Context, id, cause string) error
	FindDueDeferred(ctx context.Context, now time.Time) ([]*domain.Task, error)
	FindRetryable(ctx context.Context, staleBefore time.Time, maxAttempts int) ([]*domain.Task, error)
	List(ctx context.Context, filter Filter) ([]*domain.Task, int64, error)
	// VerifySchema fails with FatalState when the uniqueness constraint is
	// missing from the database.
	VerifySchema(ctx context.Context) error
}
