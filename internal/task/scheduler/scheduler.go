package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inbox-agent/internal/apperr"
	"inbox-agent/internal/notification"
	"inbox-agent/internal/task/domain"
	"inbox-agent/internal/task/repository"
	"inbox-agent/pkg/calendar"

	"go.uber.org/zap"
)

// Calendar re-attempts calendar rows during the retry pass.
type Calendar interface {
	CreateEvent(ctx context.Context, req calendar.EventRequest) (*calendar.Item, error)
	CreateReminder(ctx context.Context, req calendar.ReminderRequest) (*calendar.Item, error)
}

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNotAwaiting  = errors.New("task is not awaiting confirmation")
	ErrNoCalendar   = errors.New("no calendar configured")
)

// Config holds scheduler timing
type Config struct {
	Interval            time.Duration
	RetryInterval       time.Duration
	EventLeadTime       time.Duration
	ReminderLeadTime    time.Duration
	MaxDeliveryAttempts int
	// StaleAfter is how long a pending effect row may sit before the retry
	// pass treats its worker as gone.
	StaleAfter time.Duration
	Location   *time.Location
	Backoff    apperr.Backoff
}

// PlanResult lists the rows Plan created. Either may be nil.
type PlanResult struct {
	Immediate *domain.Task
	Deferred  *domain.Task
}

// NotificationScheduler sends the alerts that follow a calendar event or
// reminder: one immediately and one shortly before the target time.
type NotificationScheduler struct {
	tasks    repository.TaskRepository
	channel  notification.Channel
	calendar Calendar
	cfg      Config
	now      func() time.Time
	log      *zap.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewNotificationScheduler creates a new scheduler. cal may be nil, in which
// case calendar rows are not retried.
func NewNotificationScheduler(
	tasks repository.TaskRepository,
	channel notification.Channel,
	cal Calendar,
	cfg Config,
	log *zap.Logger,
) *NotificationScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Minute
	}
	if cfg.EventLeadTime <= 0 {
		cfg.EventLeadTime = 24 * time.Hour
	}
	if cfg.ReminderLeadTime <= 0 {
		cfg.ReminderLeadTime = 48 * time.Hour
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Backoff.Attempts == 0 {
		cfg.Backoff = apperr.DefaultBackoff
	}
	return &NotificationScheduler{
		tasks:    tasks,
		channel:  channel,
		calendar: cal,
		cfg:      cfg,
		now:      time.Now,
		log:      log.Named("scheduler"),
	}
}

// Plan reserves and sends the immediate alert for source, a sent event or
// reminder row, and reserves its deferred alert. A deferred alert whose
// trigger time has passed is not created. Rows that already exist are left
// alone, so Plan may run any number of times per message. Unsent sources are
// planned by the retry pass once they succeed.
func (s *NotificationScheduler) Plan(ctx context.Context, source *domain.Task, links []notification.Link) (*PlanResult, error) {
	res := &PlanResult{}
	if source.Kind != domain.KindCalendarEvent && source.Kind != domain.KindReminder {
		return res, nil
	}
	if source.Status != domain.TaskStatusSent {
		return res, nil
	}
	log := s.log.With(zap.String("message_id", source.MessageID))

	alert := notification.ForTask(source, s.cfg.Location)
	immediate := &domain.Task{
		MessageID:    source.MessageID,
		Kind:         domain.KindNotification,
		AccountID:    source.AccountID,
		Sender:       source.Sender,
		Title:        alert.Title,
		Body:         alert.Body,
		TargetAt:     source.TargetAt,
		DeepLink:     source.DeepLink,
		ExternalLink: source.ExternalLink,
		Attempts:     1,
	}
	switch err := s.tasks.Reserve(ctx, immediate); {
	case err == nil:
		alert.Links = mergeLinks(alert.Links, links)
		s.deliver(ctx, immediate, alert)
		res.Immediate = immediate
	case apperr.Is(err, apperr.KindDuplicateAction):
		log.Debug("immediate alert already reserved")
	default:
		return nil, err
	}

	deferred, err := s.planDeferred(ctx, source)
	if err != nil {
		return nil, err
	}
	res.Deferred = deferred
	return res, nil
}

func (s *NotificationScheduler) planDeferred(ctx context.Context, source *domain.Task) (*domain.Task, error) {
	target := source.TargetAt
	lead := s.cfg.ReminderLeadTime
	if source.Kind == domain.KindCalendarEvent {
		target = source.StartAt
		lead = s.cfg.EventLeadTime
	}
	if target == nil {
		return nil, nil
	}
	trigger := target.Add(-lead)
	if !trigger.After(s.now()) {
		return nil, nil
	}

	deferred := &domain.Task{
		MessageID:    source.MessageID,
		Kind:         domain.KindDeferredNotification,
		AccountID:    source.AccountID,
		Sender:       source.Sender,
		Title:        source.Title,
		Body:         source.Body,
		StartAt:      source.StartAt,
		EndAt:        source.EndAt,
		TargetAt:     target,
		TriggerAt:    &trigger,
		DeepLink:     source.DeepLink,
		ExternalLink: source.ExternalLink,
	}
	if err := s.tasks.Reserve(ctx, deferred); err != nil {
		if apperr.Is(err, apperr.KindDuplicateAction) {
			return nil, nil
		}
		return nil, err
	}
	s.log.Info("deferred alert scheduled",
		zap.String("message_id", source.MessageID),
		zap.Time("trigger_at", trigger))
	return deferred, nil
}

// deliver sends n for a reserved row and records the outcome.
func (s *NotificationScheduler) deliver(ctx context.Context, t *domain.Task, n notification.Notification) bool {
	var deliveryID string
	err := apperr.Retry(ctx, s.cfg.Backoff, func(ctx context.Context) error {
		var err error
		deliveryID, err = s.channel.Send(ctx, n)
		return apperr.ClassifyIO("scheduler.send", err)
	})
	if err != nil {
		s.log.Warn("notification failed", zap.String("key", t.Key()), zap.Error(err))
		if mErr := s.tasks.MarkFailed(ctx, t.ID, err.Error()); mErr != nil {
			s.log.Error("failed to record notification failure", zap.String("key", t.Key()), zap.Error(mErr))
		}
		t.Status = domain.TaskStatusFailed
		return false
	}
	if err := s.tasks.MarkSent(ctx, t.ID, deliveryID, ""); err != nil {
		s.log.Error("failed to mark notification sent", zap.String("key", t.Key()), zap.Error(err))
	}
	t.Status = domain.TaskStatusSent
	return true
}

// Tick sends every pending deferred alert whose trigger time has passed. A
// failed send leaves the row pending until MaxDeliveryAttempts.
func (s *NotificationScheduler) Tick(ctx context.Context) (int, error) {
	due, err := s.tasks.FindDueDeferred(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if len(due) > 0 {
		s.log.Info("deferred alerts due", zap.Int("count", len(due)))
	}

	sent := 0
	for _, t := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := s.tasks.Claim(ctx, t)
		if err != nil {
			return sent, err
		}
		if !ok {
			continue
		}

		deliveryID, err := s.channel.Send(ctx, notification.ForTask(t, s.cfg.Location))
		if err == nil {
			if err := s.tasks.MarkSent(ctx, t.ID, deliveryID, ""); err != nil {
				return sent, err
			}
			sent++
			continue
		}

		log := s.log.With(zap.String("key", t.Key()), zap.Int("attempts", t.Attempts), zap.Error(err))
		if t.Attempts >= s.cfg.MaxDeliveryAttempts {
			log.Warn("deferred alert failed permanently")
			err = s.tasks.MarkFailed(ctx, t.ID, err.Error())
		} else {
			log.Warn("deferred alert failed, will retry")
			err = s.tasks.MarkRetry(ctx, t.ID, err.Error())
		}
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// RetryPass re-attempts failed rows and effect rows left pending by a worker
// that stopped between reserving and recording the outcome.
func (s *NotificationScheduler) RetryPass(ctx context.Context) (int, error) {
	rows, err := s.tasks.FindRetryable(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.MaxDeliveryAttempts)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range rows {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if t.Kind.Calendar() && s.calendar == nil {
			continue
		}
		ok, err := s.tasks.Claim(ctx, t)
		if err != nil {
			return recovered, err
		}
		if !ok {
			continue
		}

		externalID, externalLink, err := s.reattempt(ctx, t)
		if err != nil {
			s.log.Warn("retry failed",
				zap.String("key", t.Key()),
				zap.Int("attempts", t.Attempts),
				zap.Error(err))
			if err := s.tasks.MarkFailed(ctx, t.ID, err.Error()); err != nil {
				return recovered, err
			}
			continue
		}
		if err := s.tasks.MarkSent(ctx, t.ID, externalID, externalLink); err != nil {
			return recovered, err
		}
		recovered++
		t.Status = domain.TaskStatusSent
		t.ExternalID = externalID
		if externalLink != "" {
			t.ExternalLink = externalLink
		}
		s.log.Info("retry succeeded", zap.String("key", t.Key()))

		if t.Kind.Calendar() {
			if _, err := s.Plan(ctx, t, nil); err != nil {
				return recovered, err
			}
		}
	}
	return recovered, nil
}

// Confirm performs a calendar effect the user approved and plans its
// alerts. The row keeps its id, so the calendar entry is the one a retry
// would create. A failed write leaves the row to the retry pass.
func (s *NotificationScheduler) Confirm(ctx context.Context, id string) (*domain.Task, error) {
	t, err := s.awaiting(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.calendar == nil {
		return nil, apperr.Configuration("scheduler.confirm", ErrNoCalendar)
	}
	ok, err := s.tasks.Resolve(ctx, t.ID, domain.TaskStatusAwaitingConfirmation, domain.TaskStatusPending)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAwaiting, id)
	}
	t.Status = domain.TaskStatusPending
	log := s.log.With(zap.String("key", t.Key()))
	log.Info("confirmed by user")

	var externalID, externalLink string
	err = apperr.Retry(ctx, s.cfg.Backoff, func(ctx context.Context) error {
		var err error
		externalID, externalLink, err = s.reattempt(ctx, t)
		return apperr.ClassifyIO("scheduler.confirm", err)
	})
	if err != nil {
		log.Warn("confirmed effect failed", zap.Error(err))
		if mErr := s.tasks.MarkFailed(ctx, t.ID, err.Error()); mErr != nil {
			return nil, mErr
		}
		t.Status = domain.TaskStatusFailed
		t.LastError = err.Error()
		return t, nil
	}
	if err := s.tasks.MarkSent(ctx, t.ID, externalID, externalLink); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatusSent
	t.ExternalID = externalID
	if externalLink != "" {
		t.ExternalLink = externalLink
	}
	if _, err := s.Plan(ctx, t, nil); err != nil {
		return nil, err
	}
	return t, nil
}

// Decline drops a proposed calendar effect. The row stays in the ledger so
// the agent does not propose it again.
func (s *NotificationScheduler) Decline(ctx context.Context, id string) (*domain.Task, error) {
	t, err := s.awaiting(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.tasks.Resolve(ctx, t.ID, domain.TaskStatusAwaitingConfirmation, domain.TaskStatusDeclined)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAwaiting, id)
	}
	t.Status = domain.TaskStatusDeclined
	s.log.Info("declined by user", zap.String("key", t.Key()))
	return t, nil
}

func (s *NotificationScheduler) awaiting(ctx context.Context, id string) (*domain.Task, error) {
	t, err := s.tasks.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != domain.TaskStatusAwaitingConfirmation {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaiting, id, t.Status)
	}
	return t, nil
}

func (s *NotificationScheduler) reattempt(ctx context.Context, t *domain.Task) (string, string, error) {
	switch t.Kind {
	case domain.KindCalendarEvent:
		if t.StartAt == nil {
			return "", "", fmt.Errorf("event %s has no start", t.ID)
		}
		req := calendar.EventRequest{
			TaskID:      t.ID,
			Title:       t.Title,
			Description: t.Body,
			Start:       *t.StartAt,
			SourceURL:   t.DeepLink,
		}
		if t.EndAt != nil {
			req.End = *t.EndAt
		}
		item, err := s.calendar.CreateEvent(ctx, req)
		if err != nil {
			return "", "", err
		}
		return item.ID, item.Link, nil

	case domain.KindReminder:
		if t.TargetAt == nil {
			return "", "", fmt.Errorf("reminder %s has no due time", t.ID)
		}
		item, err := s.calendar.CreateReminder(ctx, calendar.ReminderRequest{
			TaskID:      t.ID,
			Title:       t.Title,
			Description: t.Body,
			Due:         *t.TargetAt,
			Lead:        s.cfg.ReminderLeadTime,
			SourceURL:   t.DeepLink,
		})
		if err != nil {
			return "", "", err
		}
		return item.ID, item.Link, nil

	default:
		id, err := s.channel.Send(ctx, notification.ForTask(t, s.cfg.Location))
		return id, "", err
	}
}

// Start runs the deferred scan and the retry pass on independent tickers
// until ctx is cancelled or Stop is called.
func (s *NotificationScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopChan != nil {
		return
	}
	s.stopChan = make(chan struct{})
	s.log.Info("starting",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("retry_interval", s.cfg.RetryInterval))

	s.loop(ctx, "deferred", s.cfg.Interval, s.Tick)
	s.loop(ctx, "retry", s.cfg.RetryInterval, s.RetryPass)
}

func (s *NotificationScheduler) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) (int, error)) {
	stop := s.stopChan
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run := func() {
			if _, err := fn(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("pass failed", zap.String("pass", name), zap.Error(err))
			}
		}
		// Run immediately on start
		run()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run()
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()
}

// Stop gracefully stops the scheduler and waits for a running pass.
func (s *NotificationScheduler) Stop() {
	s.mu.Lock()
	if s.stopChan != nil {
		close(s.stopChan)
		s.stopChan = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func mergeLinks(base, extra []notification.Link) []notification.Link {
	seen := make(map[string]bool, len(base))
	for _, l := range base {
		seen[l.URL] = true
	}
	for _, l := range extra {
		if !seen[l.URL] {
			base = append(base, l)
			seen[l.URL] = true
		}
	}
	return base
}
