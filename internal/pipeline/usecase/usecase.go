package usecase

import (
	"context"
	"time"

	"inbox-agent/internal/apperr"
	inboxdomain "inbox-agent/internal/inbox/domain"
	"inbox-agent/internal/notification"
	taskdomain "inbox-agent/internal/task/domain"
	"inbox-agent/internal/task/scheduler"
	"inbox-agent/pkg/mailparse"
)

// Failure reasons recorded on failed messages.
const (
	ReasonClassificationUnparseable = "classification_unparseable"
	ReasonDeepUnparseable           = "deep_analysis_unparseable"
	ReasonTransientExhausted        = "transient_io_exhausted"
	ReasonUnparseableMessage        = "unparseable_message"
)

// PipelineUsecase drives the messages of one account through their
// lifecycle.
type PipelineUsecase interface {
	// Ingest records a message seen by the inbox feed and queues it. It is
	// idempotent and usable as the poller's record function.
	Ingest(ctx context.Context, ref inboxdomain.Ref, msg *mailparse.Message) error

	// IngestUnreadable records a message the feed could not parse directly
	// as failed, with the parse error kept in its body.
	IngestUnreadable(ctx context.Context, ref inboxdomain.Ref, cause error) error

	// Resume queues every stored message of the account that has not reached
	// a terminal state.
	Resume(ctx context.Context) (int, error)

	// Drain processes queued messages whose not-before time has passed, in
	// first-seen order. Only FatalState and cancellation errors are returned;
	// anything else ends in a requeue or a failed message.
	Drain(ctx context.Context) (int, error)

	// Process advances one message as far as it can go now.
	Process(ctx context.Context, id string) error

	// Retry moves a failed message back to its last good state and queues it.
	Retry(ctx context.Context, id string) error

	// NextReady returns when the earliest queued message becomes ready.
	NextReady() (time.Time, bool)

	// Wait blocks until background notification work has finished.
	Wait()
}

// Config holds pipeline tuning for one account
type Config struct {
	AccountID string
	// Address is the mailbox address used in deep links.
	Address            string
	DeepThreshold      float64
	MaxMessageAttempts int
	// RetryBackoff is the not-before delay of a requeued message.
	RetryBackoff time.Duration
	// Backoff bounds the local retries of one stage.
	Backoff apperr.Backoff
}

// Planner schedules the alerts of a completed calendar effect.
type Planner interface {
	Plan(ctx context.Context, source *taskdomain.Task, links []notification.Link) (*scheduler.PlanResult, error)
}

// TaskLister reads the ledger rows of a message.
type TaskLister interface {
	ListByMessage(ctx context.Context, messageID string) ([]*taskdomain.Task, error)
}

// ContactBook records that an address sent a message.
type ContactBook interface {
	Touch(ctx context.Context, address, name string, seen time.Time) error
}

// Indexer adds a message to the related-message index.
type Indexer interface {
	Index(ctx context.Context, accountID, messageID, subject, body string) error
}
