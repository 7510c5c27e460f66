package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inbox-agent/internal/apperr"
	inboxdomain "inbox-agent/internal/inbox/domain"
	inboxusecase "inbox-agent/internal/inbox/usecase"
	"inbox-agent/internal/notification"
	"inbox-agent/pkg/database"
	"inbox-agent/pkg/mailparse"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type countingPoller struct {
	polls atomic.Int32
	err   error
}

func (p *countingPoller) Poll(ctx context.Context, rec inboxusecase.Recorder) (int, error) {
	p.polls.Add(1)
	return 0, p.err
}

type stubPipeline struct {
	drains  atomic.Int32
	drainFn func() error
}

func (s *stubPipeline) Ingest(ctx context.Context, ref inboxdomain.Ref, msg *mailparse.Message) error {
	return nil
}
func (s *stubPipeline) IngestUnreadable(ctx context.Context, ref inboxdomain.Ref, cause error) error {
	return nil
}
func (s *stubPipeline) Resume(ctx context.Context) (int, error) { return 0, nil }
func (s *stubPipeline) Drain(ctx context.Context) (int, error) {
	s.drains.Add(1)
	if s.drainFn != nil {
		return 0, s.drainFn()
	}
	return 0, nil
}
func (s *stubPipeline) Process(ctx context.Context, id string) error { return nil }
func (s *stubPipeline) Retry(ctx context.Context, id string) error   { return nil }
func (s *stubPipeline) NextReady() (time.Time, bool)                 { return time.Time{}, false }
func (s *stubPipeline) Wait()                                        {}

type alertChannel struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (c *alertChannel) Send(ctx context.Context, n notification.Notification) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return "a1", nil
}

func (c *alertChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type lockedFor map[string]bool

func (l lockedFor) Acquire(ctx context.Context, account string) (func(), error) {
	if l[account] {
		return nil, database.ErrAccountLocked
	}
	return func() {}, nil
}

func TestRunnerHaltsOnlyTheFatalAccount(t *testing.T) {
	defer goleak.VerifyNone(t)

	broken := &stubPipeline{drainFn: func() error {
		return apperr.FatalState("ledger", errors.New("schema mismatch"))
	}}
	healthy := &stubPipeline{}
	wake := make(chan struct{}, 1)
	alerts := &alertChannel{}

	r := NewRunner([]Account{
		{ID: "broken@example.com", Poller: &countingPoller{}, Pipeline: broken},
		{ID: "ok@example.com", Poller: &countingPoller{}, Pipeline: healthy, Wake: wake},
	}, lockedFor{}, alerts, RunnerConfig{PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return alerts.count() == 1 && healthy.drains.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), broken.drains.Load())
	assert.Equal(t, "operator_alert", alerts.sent[0].Data["type"])
	assert.Equal(t, "broken@example.com", alerts.sent[0].Data["account"])
}

func TestRunnerPollErrorsDoNotStopDraining(t *testing.T) {
	defer goleak.VerifyNone(t)

	poller := &countingPoller{err: apperr.TransientIO("gmail.history", errors.New("503"))}
	pipeline := &stubPipeline{}
	wake := make(chan struct{}, 1)
	r := NewRunner([]Account{
		{ID: "me@example.com", Poller: poller, Pipeline: pipeline, Wake: wake},
	}, lockedFor{}, nil, RunnerConfig{PollInterval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return pipeline.drains.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	// A push wake-up triggers the next poll well before the ticker.
	wake <- struct{}{}
	require.Eventually(t, func() bool { return pipeline.drains.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), poller.polls.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestRunnerSkipsLockedAccount(t *testing.T) {
	defer goleak.VerifyNone(t)

	pipeline := &stubPipeline{}
	r := NewRunner([]Account{
		{ID: "me@example.com", Poller: &countingPoller{}, Pipeline: pipeline},
	}, lockedFor{"me@example.com": true}, nil, RunnerConfig{}, zap.NewNop())

	require.NoError(t, r.Run(context.Background()))
	assert.Zero(t, pipeline.drains.Load())
}

func TestRunnerRenewsWatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	var renewals atomic.Int32
	pipeline := &stubPipeline{}
	r := NewRunner([]Account{{
		ID:       "me@example.com",
		Poller:   &countingPoller{},
		Pipeline: pipeline,
		Renew: func(ctx context.Context) (time.Time, error) {
			renewals.Add(1)
			return time.Now().Add(7 * 24 * time.Hour), nil
		},
	}}, lockedFor{}, nil, RunnerConfig{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return pipeline.drains.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), renewals.Load())
}
