package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	agentusecase "inbox-agent/internal/agent/usecase"
	"inbox-agent/internal/apperr"
	classifierusecase "inbox-agent/internal/classifier/usecase"
	inboxdomain "inbox-agent/internal/inbox/domain"
	msgdomain "inbox-agent/internal/message/domain"
	msgrepo "inbox-agent/internal/message/repository"
	"inbox-agent/internal/notification"
	taskdomain "inbox-agent/internal/task/domain"
	"inbox-agent/pkg/mailparse"

	"go.uber.org/zap"
)

const unreadableSubject = "(unreadable message)"

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotFailed       = errors.New("message is not failed")
)

type pipelineUsecase struct {
	messages   msgrepo.MessageRepository
	rules      *msgdomain.RuleSet
	contacts   ContactBook
	index      Indexer
	classifier classifierusecase.ClassifierUsecase
	agent      agentusecase.AgentUsecase
	tasks      TaskLister
	planner    Planner
	cfg        Config
	now        func() time.Time
	log        *zap.Logger

	queue    *messageQueue
	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewPipelineUsecase creates the pipeline of one account. contacts and index
// may be nil.
func NewPipelineUsecase(
	messages msgrepo.MessageRepository,
	rules *msgdomain.RuleSet,
	contacts ContactBook,
	index Indexer,
	classifier classifierusecase.ClassifierUsecase,
	agent agentusecase.AgentUsecase,
	tasks TaskLister,
	planner Planner,
	cfg Config,
	log *zap.Logger,
) PipelineUsecase {
	if cfg.MaxMessageAttempts <= 0 {
		cfg.MaxMessageAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if cfg.Backoff.Attempts == 0 {
		cfg.Backoff = apperr.DefaultBackoff
	}
	return &pipelineUsecase{
		messages:   messages,
		rules:      rules,
		contacts:   contacts,
		index:      index,
		classifier: classifier,
		agent:      agent,
		tasks:      tasks,
		planner:    planner,
		cfg:        cfg,
		now:        time.Now,
		log:        log.Named("pipeline").With(zap.String("account", cfg.AccountID)),
		queue:      newMessageQueue(),
		inflight:   make(map[string]bool),
	}
}

func (p *pipelineUsecase) Ingest(ctx context.Context, ref inboxdomain.Ref, pm *mailparse.Message) error {
	received := pm.Date
	if received.IsZero() {
		received = p.now()
	}
	msg := &msgdomain.Message{
		ID:         ref.ID,
		AccountID:  p.cfg.AccountID,
		ThreadID:   ref.ThreadID,
		From:       pm.From,
		FromName:   pm.FromName,
		To:         pm.To,
		Cc:         pm.Cc,
		Subject:    pm.Subject,
		Snippet:    pm.Snippet,
		Body:       pm.Text,
		ReceivedAt: received,
	}
	created, err := p.messages.Record(ctx, msg)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	p.log.Info("new message",
		zap.String("message_id", msg.ID),
		zap.String("from", msg.From),
		zap.String("subject", msg.Subject))

	if p.contacts != nil {
		if err := p.contacts.Touch(ctx, msg.From, msg.FromName, received); err != nil {
			p.log.Warn("failed to update contact", zap.String("from", msg.From), zap.Error(err))
		}
	}
	if p.index != nil {
		if err := p.index.Index(ctx, msg.AccountID, msg.ID, msg.Subject, msg.Body); err != nil {
			p.log.Warn("failed to index message", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	p.queue.push(msg.ID, time.Time{})
	return nil
}

func (p *pipelineUsecase) IngestUnreadable(ctx context.Context, ref inboxdomain.Ref, cause error) error {
	msg := &msgdomain.Message{
		ID:         ref.ID,
		AccountID:  p.cfg.AccountID,
		ThreadID:   ref.ThreadID,
		Subject:    unreadableSubject,
		Body:       cause.Error(),
		ReceivedAt: p.now(),
	}
	created, err := p.messages.Record(ctx, msg)
	if err != nil {
		return err
	}
	if !created {
		existing, err := p.messages.FindByID(ctx, ref.ID)
		if err != nil {
			return err
		}
		if existing == nil || existing.State != msgdomain.StateNew || existing.Subject != unreadableSubject {
			return nil
		}
		msg = existing
	}
	err = p.transition(ctx, msg, msgrepo.StateChange{To: msgdomain.StateFailed, Reason: ReasonUnparseableMessage})
	if errors.Is(err, msgrepo.ErrStateConflict) {
		return nil
	}
	return err
}

func (p *pipelineUsecase) Resume(ctx context.Context) (int, error) {
	msgs, err := p.messages.ListResumable(ctx, p.cfg.AccountID)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, m := range msgs {
		if p.isInflight(m.ID) {
			continue
		}
		if p.queue.push(m.ID, time.Time{}) {
			queued++
		}
	}
	if queued > 0 {
		p.log.Info("resumed messages", zap.Int("count", queued))
	}
	return queued, nil
}

func (p *pipelineUsecase) Drain(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		id, ok := p.queue.pop(p.now())
		if !ok {
			return processed, nil
		}
		if err := p.Process(ctx, id); err != nil {
			return processed, err
		}
		processed++
	}
}

func (p *pipelineUsecase) NextReady() (time.Time, bool) {
	return p.queue.nextReady()
}

func (p *pipelineUsecase) Wait() {
	p.wg.Wait()
}

func (p *pipelineUsecase) Retry(ctx context.Context, id string) error {
	to, err := ResumeFailed(ctx, p.messages, id)
	if err != nil {
		return err
	}
	p.log.Info("message retried", zap.String("message_id", id), zap.String("state", string(to)))
	p.queue.push(id, time.Time{})
	return nil
}

// ResumeFailed moves a failed message back to its last good state without
// queueing it. A running pipeline picks it up on its next resume pass.
func ResumeFailed(ctx context.Context, messages msgrepo.MessageRepository, id string) (msgdomain.LifecycleState, error) {
	msg, err := messages.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if msg.State != msgdomain.StateFailed {
		return "", fmt.Errorf("%w: %s is %s", ErrNotFailed, id, msg.State)
	}
	to := msg.LastGoodState
	if to == "" || !to.Valid() || to.Terminal() {
		to = msgdomain.StateNew
	}
	err = messages.Transition(ctx, msgrepo.StateChange{
		ID:     id,
		From:   msgdomain.StateFailed,
		To:     to,
		Reason: "retry from " + string(to),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resume %s: %w", id, err)
	}
	return to, nil
}

// Pipelines routes operator requests to the pipeline of a message's account.
type Pipelines struct {
	Messages  msgrepo.MessageRepository
	ByAccount map[string]PipelineUsecase
}

// Retry moves a failed message back to new and, when its account is served
// by this process, hands it to that account's pipeline.
func (ps *Pipelines) Retry(ctx context.Context, id string) error {
	msg, err := ps.Messages.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	p, ok := ps.ByAccount[msg.AccountID]
	if !ok {
		_, err := ResumeFailed(ctx, ps.Messages, id)
		return err
	}
	return p.Retry(ctx, id)
}

func (p *pipelineUsecase) Process(ctx context.Context, id string) error {
	if !p.begin(id) {
		return nil
	}
	handedOff := false
	defer func() {
		if !handedOff {
			p.end(id)
		}
	}()

	msg, err := p.messages.FindByID(ctx, id)
	if err != nil {
		return p.handleError(ctx, &msgdomain.Message{ID: id}, err)
	}
	if msg == nil {
		p.log.Warn("queued message not found", zap.String("message_id", id))
		return nil
	}

	for !msg.State.Terminal() {
		if msg.State == msgdomain.StateNotifiedPending {
			p.notifyInBackground(ctx, msg)
			handedOff = true
			return nil
		}
		from := msg.State
		err := p.step(ctx, msg)
		if errors.Is(err, msgrepo.ErrStateConflict) {
			current, ferr := p.messages.FindByID(ctx, id)
			if ferr != nil {
				return p.handleError(ctx, msg, ferr)
			}
			if current == nil || current.State == from {
				return apperr.FatalState("pipeline.transition",
					fmt.Errorf("message %s: state conflict without a state change", id))
			}
			p.log.Debug("state moved concurrently",
				zap.String("message_id", id),
				zap.String("from", string(from)),
				zap.String("now", string(current.State)))
			msg = current
			continue
		}
		if err != nil {
			return p.handleError(ctx, msg, err)
		}
	}
	return nil
}

// step performs the work of msg's current state and the transition out of
// it.
func (p *pipelineUsecase) step(ctx context.Context, msg *msgdomain.Message) error {
	switch msg.State {
	case msgdomain.StateNew:
		if rule := p.rules.Match(msg.Envelope()); rule != nil {
			return p.transition(ctx, msg, msgrepo.StateChange{
				To:     msgdomain.StateSkipped,
				Reason: fmt.Sprintf("ignore rule %s (%s %q)", rule.ID, rule.Field, rule.Pattern),
			})
		}
		var shallow *msgdomain.ShallowResult
		err := p.retry(ctx, func(ctx context.Context) error {
			var err error
			shallow, err = p.classifier.Shallow(ctx, msg)
			return err
		})
		if err != nil {
			return err
		}
		return p.transition(ctx, msg, msgrepo.StateChange{
			To:      msgdomain.StateShallowClassified,
			Shallow: shallow,
			Reason:  fmt.Sprintf("%s %.2f", shallow.Category, shallow.Importance),
		})

	case msgdomain.StateShallowClassified:
		if !msg.Shallow.Valid {
			return apperr.FatalState("pipeline.threshold",
				fmt.Errorf("message %s is shallow_classified without a shallow result", msg.ID))
		}
		imp := msg.Shallow.Result.Importance
		if imp < p.cfg.DeepThreshold {
			return p.transition(ctx, msg, msgrepo.StateChange{
				To:     msgdomain.StateArchived,
				Reason: fmt.Sprintf("importance %.2f below %.2f", imp, p.cfg.DeepThreshold),
			})
		}
		return p.transition(ctx, msg, msgrepo.StateChange{
			To:     msgdomain.StateDeepPending,
			Reason: fmt.Sprintf("importance %.2f", imp),
		})

	case msgdomain.StateDeepPending:
		var deep *msgdomain.DeepResult
		err := p.retry(ctx, func(ctx context.Context) error {
			var err error
			deep, err = p.classifier.Deep(ctx, msg, &msg.Shallow.Result)
			return err
		})
		if err != nil {
			return err
		}
		return p.transition(ctx, msg, msgrepo.StateChange{
			To:     msgdomain.StateDeepAnalyzed,
			Deep:   deep,
			Reason: "recommends " + string(deep.Recommendation.Action),
		})

	case msgdomain.StateDeepAnalyzed:
		if !msg.Deep.Valid {
			return apperr.FatalState("pipeline.agent",
				fmt.Errorf("message %s is deep_analyzed without a deep result", msg.ID))
		}
		var outcome *agentusecase.Outcome
		err := p.retry(ctx, func(ctx context.Context) error {
			var err error
			outcome, err = p.agent.Run(ctx, msg, &msg.Deep.Result)
			return err
		})
		if err != nil {
			return err
		}
		return p.transition(ctx, msg, msgrepo.StateChange{
			To:       msgdomain.StateAgentDecided,
			Decision: outcome.Decision,
			Reason:   fmt.Sprintf("%s after %d steps", outcome.Decision, len(outcome.Steps)),
		})

	case msgdomain.StateAgentDecided:
		to := msgdomain.StateSkipped
		switch msg.Decision {
		case msgdomain.ActionScheduleEvent:
			to = msgdomain.StateScheduled
		case msgdomain.ActionCreateReminder:
			to = msgdomain.StateReminded
		}
		return p.transition(ctx, msg, msgrepo.StateChange{To: to, Reason: string(msg.Decision)})

	case msgdomain.StateScheduled, msgdomain.StateReminded:
		return p.transition(ctx, msg, msgrepo.StateChange{
			To:     msgdomain.StateNotifiedPending,
			Reason: "alerts queued",
		})
	}
	return fmt.Errorf("message %s: no step for state %s", msg.ID, msg.State)
}

func (p *pipelineUsecase) transition(ctx context.Context, msg *msgdomain.Message, change msgrepo.StateChange) error {
	change.ID = msg.ID
	change.From = msg.State
	if err := p.messages.Transition(ctx, change); err != nil {
		return err
	}
	p.log.Info("transition",
		zap.String("message_id", msg.ID),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.String("reason", change.Reason))

	msg.State = change.To
	if change.Shallow != nil {
		msg.Shallow = msgdomain.NullShallow{Result: *change.Shallow, Valid: true}
	}
	if change.Deep != nil {
		msg.Deep = msgdomain.NullDeep{Result: *change.Deep, Valid: true}
	}
	if change.Decision != "" {
		msg.Decision = change.Decision
	}
	return nil
}

func (p *pipelineUsecase) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return apperr.Retry(ctx, p.cfg.Backoff, fn)
}

// handleError settles a failed step: fatal and cancellation errors go up,
// model output errors fail the message, everything else requeues it until
// the attempt budget is spent.
func (p *pipelineUsecase) handleError(ctx context.Context, msg *msgdomain.Message, err error) error {
	log := p.log.With(zap.String("message_id", msg.ID), zap.String("state", string(msg.State)))
	switch {
	case ctx.Err() != nil:
		return ctx.Err()

	case apperr.Is(err, apperr.KindFatalState):
		log.Error("fatal state", zap.Error(err))
		return err

	case apperr.Is(err, apperr.KindModelOutput):
		reason := ReasonClassificationUnparseable
		if msg.State == msgdomain.StateDeepPending {
			reason = ReasonDeepUnparseable
		}
		log.Warn("model output unusable", zap.String("reason", reason), zap.Error(err))
		return p.markFailed(ctx, msg, reason)
	}

	attempts, aerr := p.messages.RecordAttempt(ctx, msg.ID, err.Error())
	if aerr != nil {
		log.Error("failed to record attempt", zap.Error(aerr))
	}
	if attempts >= p.cfg.MaxMessageAttempts {
		log.Warn("giving up", zap.Int("attempts", attempts), zap.Error(err))
		return p.markFailed(ctx, msg, ReasonTransientExhausted)
	}
	notBefore := p.now().Add(p.cfg.RetryBackoff)
	log.Warn("requeued",
		zap.Int("attempts", attempts),
		zap.Time("not_before", notBefore),
		zap.Error(err))
	p.queue.push(msg.ID, notBefore)
	return nil
}

func (p *pipelineUsecase) markFailed(ctx context.Context, msg *msgdomain.Message, reason string) error {
	if msg.State == "" || msg.State.Terminal() {
		return nil
	}
	err := p.transition(ctx, msg, msgrepo.StateChange{To: msgdomain.StateFailed, Reason: reason})
	if err != nil && !errors.Is(err, msgrepo.ErrStateConflict) {
		p.log.Error("failed to mark message failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return nil
}

// notifyInBackground finishes the notification stage while the caller moves
// on to the next message.
func (p *pipelineUsecase) notifyInBackground(ctx context.Context, msg *msgdomain.Message) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.notify(ctx, msg)
		p.end(msg.ID)
		if err != nil {
			if herr := p.handleError(ctx, msg, err); herr != nil && ctx.Err() == nil {
				p.log.Error("notification stage failed", zap.String("message_id", msg.ID), zap.Error(herr))
			}
		}
	}()
}

func (p *pipelineUsecase) notify(ctx context.Context, msg *msgdomain.Message) error {
	tasks, err := p.tasks.ListByMessage(ctx, msg.ID)
	if err != nil {
		return err
	}
	reason := "alerts scheduled"
	primary := primaryTask(tasks)
	switch {
	case primary == nil:
		reason = "no calendar effect"
	case primary.Status == taskdomain.TaskStatusAwaitingConfirmation:
		reason = "alerts follow the user's confirmation"
	case primary.Status != taskdomain.TaskStatusSent:
		reason = "alerts follow the calendar retry"
	default:
		links := notification.ThreadLinks(p.cfg.Address, msg.ThreadID)
		res, err := p.planner.Plan(ctx, primary, links)
		if err != nil {
			return err
		}
		if res.Deferred != nil {
			reason = "alerts scheduled, follow-up at " + res.Deferred.TriggerAt.Format(time.RFC3339)
		}
	}
	return p.transition(ctx, msg, msgrepo.StateChange{To: msgdomain.StateNotifiedSent, Reason: reason})
}

// primaryTask is the calendar effect whose alerts the message gets: the
// event when there is one, else the reminder.
func primaryTask(tasks []*taskdomain.Task) *taskdomain.Task {
	var reminder *taskdomain.Task
	for _, t := range tasks {
		switch t.Kind {
		case taskdomain.KindCalendarEvent:
			return t
		case taskdomain.KindReminder:
			reminder = t
		}
	}
	return reminder
}

func (p *pipelineUsecase) begin(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[id] {
		return false
	}
	p.inflight[id] = true
	return true
}

func (p *pipelineUsecase) end(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

func (p *pipelineUsecase) isInflight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[id]
}
