package usecase

import (
	"context"

	"inbox-agent/internal/inbox/domain"
	"inbox-agent/pkg/mailparse"
)

// Feed is the change feed of one mailbox.
type Feed interface {
	// Bootstrap returns the newest limit messages and the current tip.
	Bootstrap(ctx context.Context, limit int) (*domain.Changes, error)
	// Changes returns messages added after position.
	Changes(ctx context.Context, position string) (*domain.Changes, error)
	Fetch(ctx context.Context, id string) (*mailparse.Message, error)
}

// Recorder durably records what a poll reads. Both methods are called again
// for a message already recorded when a poll is retried, and must be
// idempotent.
type Recorder interface {
	Ingest(ctx context.Context, ref domain.Ref, msg *mailparse.Message) error
	// IngestUnreadable records a message whose content could not be read,
	// so it stays visible as failed instead of blocking the feed.
	IngestUnreadable(ctx context.Context, ref domain.Ref, cause error) error
}

// PollerUsecase moves an account's cursor over its feed.
type PollerUsecase interface {
	// Poll records every message added since the last poll, oldest first,
	// and advances the cursor only after all of them are recorded. A message
	// that cannot be parsed is recorded as unreadable and does not stop the
	// batch; any other fetch error does.
	Poll(ctx context.Context, rec Recorder) (int, error)
}
