package usecase

import (
	"context"
	"errors"
	"time"

	"inbox-agent/internal/apperr"
	inboxusecase "inbox-agent/internal/inbox/usecase"
	"inbox-agent/internal/notification"
	"inbox-agent/pkg/database"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Account is one monitored mailbox and the parts that serve it.
type Account struct {
	ID       string
	Poller   inboxusecase.PollerUsecase
	Pipeline PipelineUsecase
	// Wake triggers an early poll. May be nil.
	Wake <-chan struct{}
	// Renew refreshes the provider push registration. May be nil.
	Renew func(ctx context.Context) (time.Time, error)
}

// RunnerConfig sets the poll cadence and how often push watches are renewed.
type RunnerConfig struct {
	PollInterval  time.Duration
	RenewInterval time.Duration
}

// Runner runs every account concurrently, one pipeline per account.
type Runner struct {
	accounts []Account
	locker   database.AccountLocker
	alerts   notification.Channel
	cfg      RunnerConfig
	log      *zap.Logger
}

// NewRunner returns a Runner over accounts. Zero intervals default to one
// minute for polling and a day for watch renewal.
func NewRunner(accounts []Account, locker database.AccountLocker, alerts notification.Channel, cfg RunnerConfig, log *zap.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 24 * time.Hour
	}
	return &Runner{
		accounts: accounts,
		locker:   locker,
		alerts:   alerts,
		cfg:      cfg,
		log:      log.Named("runner"),
	}
}

// Run blocks until ctx is cancelled. A FatalState error halts only the
// account it came from.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range r.accounts {
		g.Go(func() error {
			return r.runAccount(ctx, a)
		})
	}
	return g.Wait()
}

func (r *Runner) runAccount(ctx context.Context, a Account) error {
	log := r.log.With(zap.String("account", a.ID))

	release, err := r.locker.Acquire(ctx, a.ID)
	if errors.Is(err, database.ErrAccountLocked) {
		log.Warn("account is run by another process, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	defer release()
	defer a.Pipeline.Wait()

	if n, err := a.Pipeline.Resume(ctx); err != nil {
		log.Warn("failed to resume messages", zap.Error(err))
	} else if n > 0 {
		log.Info("resuming unfinished messages", zap.Int("count", n))
	}

	log.Info("account started", zap.Duration("poll_interval", r.cfg.PollInterval))
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var renewAt time.Time
	for {
		if a.Renew != nil && !time.Now().Before(renewAt) {
			renewAt = time.Now().Add(r.cfg.RenewInterval)
			if exp, err := a.Renew(ctx); err != nil {
				log.Warn("failed to renew push watch", zap.Error(err))
			} else {
				log.Info("push watch renewed", zap.Time("expires", exp))
			}
		}

		err := r.cycle(ctx, a, log)
		if ctx.Err() != nil {
			log.Info("account stopped")
			return nil
		}
		if apperr.Is(err, apperr.KindFatalState) {
			r.halt(ctx, a, err)
			return nil
		}
		if err != nil {
			log.Warn("cycle failed", zap.Error(err))
		}

		var (
			timer   *time.Timer
			timerCh <-chan time.Time
		)
		if next, ok := a.Pipeline.NextReady(); ok {
			timer = time.NewTimer(time.Until(next))
			timerCh = timer.C
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-a.Wake:
			log.Debug("woken by push")
		case <-timerCh:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// cycle polls the feed and drains the queue. Only a FatalState error or a
// drain error is returned; poll errors are logged and the queue still runs.
func (r *Runner) cycle(ctx context.Context, a Account, log *zap.Logger) error {
	polled, err := a.Poller.Poll(ctx, a.Pipeline)
	if err != nil {
		if apperr.Is(err, apperr.KindFatalState) {
			return err
		}
		log.Warn("poll failed", zap.Error(err))
	} else if polled > 0 {
		log.Info("polled", zap.Int("new", polled))
	}

	if _, err := a.Pipeline.Resume(ctx); err != nil {
		log.Warn("failed to resume messages", zap.Error(err))
	}
	processed, err := a.Pipeline.Drain(ctx)
	if processed > 0 {
		log.Debug("drained", zap.Int("processed", processed))
	}
	return err
}

func (r *Runner) halt(ctx context.Context, a Account, err error) {
	r.log.Error("account halted", zap.String("account", a.ID), zap.Error(err))
	if r.alerts == nil {
		return
	}
	if _, serr := r.alerts.Send(ctx, notification.OperatorAlert(a.ID, err)); serr != nil {
		r.log.Error("failed to send operator alert", zap.String("account", a.ID), zap.Error(serr))
	}
}
