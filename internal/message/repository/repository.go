package repository

import (
	"context"
	"time"

	"inbox-agent/internal/message/domain"

	"github.com/pkg/errors"
)

// ErrStateConflict is returned by Transition when the stored state no longer
// equals the expected source state.
var ErrStateConflict = errors.New("message state changed concurrently")

// StateChange describes one lifecycle transition and the fields it sets.
type StateChange struct {
	ID       string
	From     domain.LifecycleState
	To       domain.LifecycleState
	Reason   string
	Shallow  *domain.ShallowResult
	Deep     *domain.DeepResult
	Decision domain.Action
}

// Filter narrows List.
type Filter struct {
	AccountID string
	State     domain.LifecycleState
	Limit     int
	Offset    int
}

// MessageRepository defines message store operations.
type MessageRepository interface {
	// Record inserts msg in state new. created is false when the ID exists.
	Record(ctx context.Context, msg *domain.Message) (created bool, err error)
	FindByID(ctx context.Context, id string) (*domain.Message, error)
	Transition(ctx context.Context, change StateChange) error
	RecordAttempt(ctx context.Context, id, lastError string) (int, error)
	ListResumable(ctx context.Context, accountID string) ([]*domain.Message, error)
	ListThread(ctx context.Context, accountID, threadID, excludeID string, limit int) ([]*domain.Message, error)
	ListSince(ctx context.Context, accountID string, since time.Time) ([]*domain.Message, error)
	List(ctx context.Context, filter Filter) ([]*domain.Message, int64, error)
	Transitions(ctx context.Context, id string) ([]domain.Transition, error)
}

// IgnoreRuleRepository stores ignore rules.
type IgnoreRuleRepository interface {
	List(ctx context.Context) ([]*domain.IgnoreRule, error)
	Upsert(ctx context.Context, rule *domain.IgnoreRule) error
}
