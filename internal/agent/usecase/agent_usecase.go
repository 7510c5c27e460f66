package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inbox-agent/internal/apperr"
	msgdomain "inbox-agent/internal/message/domain"
	"inbox-agent/internal/notification"
	taskdomain "inbox-agent/internal/task/domain"
	taskrepo "inbox-agent/internal/task/repository"
	"inbox-agent/pkg/ai"
	"inbox-agent/pkg/calendar"
	"inbox-agent/pkg/fuzzy"

	"go.uber.org/zap"
)

const (
	defaultMaxSteps        = 6
	defaultReminderLead    = 48 * time.Hour
	defaultReminderHistory = 20
)

type agentUsecase struct {
	llm      ai.Endpoint
	tasks    taskrepo.TaskRepository
	calendar Calendar
	notifier notification.Channel
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
}

// NewAgentUsecase creates the agent. calendar may be nil, in which case
// calendar tools fail and the rows are left for the retry pass.
func NewAgentUsecase(
	llm ai.Endpoint,
	tasks taskrepo.TaskRepository,
	cal Calendar,
	notifier notification.Channel,
	cfg Config,
	log *zap.Logger,
) AgentUsecase {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.ReminderLeadTime <= 0 {
		cfg.ReminderLeadTime = defaultReminderLead
	}
	if cfg.ReminderHistory <= 0 {
		cfg.ReminderHistory = defaultReminderHistory
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Backoff.Attempts == 0 {
		cfg.Backoff = apperr.DefaultBackoff
	}
	return &agentUsecase{
		llm:      llm,
		tasks:    tasks,
		calendar: cal,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		log:      log.Named("agent"),
	}
}

// run is the state of one Run call.
type run struct {
	msg     *msgdomain.Message
	deep    *msgdomain.DeepResult
	steps   []Step
	checked map[taskdomain.Kind]*taskdomain.Task
	log     *zap.Logger
}

func (a *agentUsecase) Run(ctx context.Context, msg *msgdomain.Message, deep *msgdomain.DeepResult) (*Outcome, error) {
	r := &run{
		msg:     msg,
		deep:    deep,
		checked: make(map[taskdomain.Kind]*taskdomain.Task),
		log:     a.log.With(zap.String("message_id", msg.ID)),
	}

	var lastErr error
	for step := 1; step <= a.cfg.MaxSteps; step++ {
		req := ai.Request{
			Purpose:     ai.PurposeAgent,
			System:      agentSystem(a.cfg.UserProfile, a.cfg.AlwaysAskHuman),
			Prompt:      agentPrompt(msg, deep, r.steps, a.now(), a.cfg.Location),
			Schema:      agentSchema,
			MaxTokens:   2048,
			Temperature: 0.2,
		}
		if lastErr != nil {
			req.Prompt = stricter(req.Prompt, lastErr)
			req.Temperature = 0
		}

		resp, err := a.llm.Generate(ctx, req)
		if err != nil {
			return nil, apperr.ClassifyIO("agent.reason", err)
		}

		act, thought, err := parseAction(resp.Text, a.cfg.Location)
		if err != nil {
			lastErr = err
			r.log.Warn("malformed agent output", zap.Int("step", step), zap.Error(err))
			r.steps = append(r.steps, Step{Tool: "invalid", Thought: thought, Observation: "unusable answer: " + err.Error()})
			continue
		}
		lastErr = nil

		observation, done, err := a.dispatch(ctx, r, act)
		if err != nil {
			return nil, err
		}
		r.log.Debug("agent step",
			zap.Int("step", step),
			zap.String("tool", act.Tool()),
			zap.String("observation", observation))
		r.steps = append(r.steps, Step{Tool: act.Tool(), Thought: thought, Observation: observation})
		if done {
			break
		}
	}

	tasks, err := a.tasks.ListByMessage(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("agent: listing tasks for %s: %w", msg.ID, err)
	}
	return &Outcome{Decision: Decide(tasks), Steps: r.steps, Tasks: tasks}, nil
}

// Decide derives the message decision from its ledger rows. A declined
// proposal does not count.
func Decide(tasks []*taskdomain.Task) msgdomain.Action {
	var reminder bool
	for _, t := range tasks {
		if t.Status == taskdomain.TaskStatusDeclined {
			continue
		}
		switch t.Kind {
		case taskdomain.KindCalendarEvent:
			return msgdomain.ActionScheduleEvent
		case taskdomain.KindReminder:
			reminder = true
		}
	}
	if reminder {
		return msgdomain.ActionCreateReminder
	}
	return msgdomain.ActionNoAction
}

// dispatch performs act. done ends the loop; a returned error aborts the run.
func (a *agentUsecase) dispatch(ctx context.Context, r *run, act Action) (observation string, done bool, err error) {
	switch act := act.(type) {
	case CheckExisting:
		t, err := a.check(ctx, r, act.Kind)
		if err != nil {
			return "", false, err
		}
		if t == nil {
			return fmt.Sprintf("no %s exists for this email", act.Kind), false, nil
		}
		return fmt.Sprintf("%s %q exists (%s)", act.Kind, t.Title, t.Status), false, nil

	case ScheduleEvent:
		return a.scheduleEvent(ctx, r, act)

	case CreateReminder:
		return a.createReminder(ctx, r, act)

	case SendNotification:
		return a.sendNotification(ctx, r, act.Text, "", nil)

	case NoOp:
		if act.Reason == "" {
			return "done", true, nil
		}
		return "done: " + act.Reason, true, nil

	default:
		return "", false, fmt.Errorf("agent: unhandled action %T", act)
	}
}

// check looks the key up once per run. FatalState from the ledger aborts.
func (a *agentUsecase) check(ctx context.Context, r *run, kind taskdomain.Kind) (*taskdomain.Task, error) {
	if t, ok := r.checked[kind]; ok {
		return t, nil
	}
	t, err := a.tasks.Get(ctx, r.msg.ID, kind)
	if err != nil {
		return nil, err
	}
	r.checked[kind] = t
	return t, nil
}

// reserve inserts the pending row that must exist before any effect. It
// returns the existing row when the key is already taken.
func (a *agentUsecase) reserve(ctx context.Context, r *run, task *taskdomain.Task) (*taskdomain.Task, error) {
	existing, err := a.check(ctx, r, task.Kind)
	if err != nil || existing != nil {
		return existing, err
	}
	task.MessageID = r.msg.ID
	task.AccountID = r.msg.AccountID
	task.Sender = r.msg.From
	task.DeepLink = notification.GmailWebLink(r.msg.AccountID, r.msg.ThreadID)
	task.Attempts = 1
	if err := a.tasks.Reserve(ctx, task); err != nil {
		if !apperr.Is(err, apperr.KindDuplicateAction) {
			return nil, err
		}
		r.log.Debug("ledger key already reserved", zap.String("key", task.Key()))
		existing, err := a.tasks.Get(ctx, r.msg.ID, task.Kind)
		if err != nil {
			return nil, err
		}
		r.checked[task.Kind] = existing
		return existing, nil
	}
	r.checked[task.Kind] = task
	return nil, nil
}

func (a *agentUsecase) scheduleEvent(ctx context.Context, r *run, act ScheduleEvent) (string, bool, error) {
	start, end := act.Start, act.End
	task := &taskdomain.Task{
		Kind:     taskdomain.KindCalendarEvent,
		Title:    act.Title,
		Body:     act.Notes,
		StartAt:  &start,
		EndAt:    &end,
		TargetAt: &start,
	}
	if a.cfg.AlwaysAskHuman {
		question := fmt.Sprintf("Add %q on %s to your calendar?", act.Title,
			act.Start.In(a.cfg.Location).Format("Mon 2006-01-02 15:04"))
		return a.askHuman(ctx, r, task, question)
	}
	existing, err := a.reserve(ctx, r, task)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return fmt.Sprintf("already satisfied: event %q exists", existing.Title), false, nil
	}

	var item *calendar.Item
	err = a.effect(ctx, "agent.calendar_event", func(ctx context.Context) error {
		if a.calendar == nil {
			return apperr.Configuration("agent.calendar_event", fmt.Errorf("no calendar configured"))
		}
		var err error
		item, err = a.calendar.CreateEvent(ctx, calendar.EventRequest{
			TaskID:      task.ID,
			Title:       act.Title,
			Description: eventDescription(r, act.Notes),
			Start:       act.Start,
			End:         act.End,
			SourceURL:   task.DeepLink,
		})
		return err
	})
	return a.settle(ctx, r, task, item, err)
}

func (a *agentUsecase) createReminder(ctx context.Context, r *run, act CreateReminder) (string, bool, error) {
	dup, err := a.similarReminder(ctx, r, act)
	if err != nil {
		return "", false, err
	}
	if dup != nil {
		return fmt.Sprintf("already satisfied: reminder %q for the same day exists", dup.Title), false, nil
	}

	due := act.Due
	task := &taskdomain.Task{
		Kind:     taskdomain.KindReminder,
		Title:    act.Title,
		Body:     act.Notes,
		TargetAt: &due,
	}
	if a.cfg.AlwaysAskHuman {
		question := fmt.Sprintf("Set a reminder %q due %s?", act.Title,
			act.Due.In(a.cfg.Location).Format("Mon 2006-01-02"))
		return a.askHuman(ctx, r, task, question)
	}
	existing, err := a.reserve(ctx, r, task)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return fmt.Sprintf("already satisfied: reminder %q exists", existing.Title), false, nil
	}

	var item *calendar.Item
	err = a.effect(ctx, "agent.reminder", func(ctx context.Context) error {
		if a.calendar == nil {
			return apperr.Configuration("agent.reminder", fmt.Errorf("no calendar configured"))
		}
		var err error
		item, err = a.calendar.CreateReminder(ctx, calendar.ReminderRequest{
			TaskID:      task.ID,
			Title:       act.Title,
			Description: eventDescription(r, act.Notes),
			Due:         act.Due,
			Lead:        a.cfg.ReminderLeadTime,
			SourceURL:   task.DeepLink,
		})
		return err
	})
	return a.settle(ctx, r, task, item, err)
}

// similarReminder finds a reminder from the same sender, on the same local
// day, whose title matches act's.
func (a *agentUsecase) similarReminder(ctx context.Context, r *run, act CreateReminder) (*taskdomain.Task, error) {
	if r.msg.From == "" {
		return nil, nil
	}
	prior, err := a.tasks.FindBySender(ctx, r.msg.From, a.cfg.ReminderHistory)
	if err != nil {
		return nil, err
	}
	day := act.Due.In(a.cfg.Location).Format("2006-01-02")
	for _, t := range prior {
		if t.Kind != taskdomain.KindReminder || t.MessageID == r.msg.ID || t.TargetAt == nil {
			continue
		}
		if t.Status == taskdomain.TaskStatusFailed || t.Status == taskdomain.TaskStatusDeclined {
			continue
		}
		if t.TargetAt.In(a.cfg.Location).Format("2006-01-02") != day {
			continue
		}
		if fuzzy.SameTitle(t.Title, act.Title, a.cfg.TitleSimilarity) {
			return t, nil
		}
	}
	return nil, nil
}

// sendNotification delivers a message of the agent's own under the
// agent_notification key. The immediate alert of a calendar effect is
// planned separately by the scheduler.
func (a *agentUsecase) sendNotification(ctx context.Context, r *run, text, title string, data map[string]string) (string, bool, error) {
	if title == "" {
		title, text = splitTitle(text)
	}
	task := &taskdomain.Task{
		Kind:  taskdomain.KindAgentNotification,
		Title: title,
		Body:  text,
	}
	existing, err := a.reserve(ctx, r, task)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return "already satisfied: a notification was sent for this email", false, nil
	}

	n := notification.ForTask(task, a.cfg.Location)
	n.Links = notification.ThreadLinks(r.msg.AccountID, r.msg.ThreadID)
	for k, v := range data {
		n.Data[k] = v
	}
	var deliveryID string
	err = a.effect(ctx, "agent.notification", func(ctx context.Context) error {
		var err error
		deliveryID, err = a.notifier.Send(ctx, n)
		return err
	})
	return a.settle(ctx, r, task, &calendar.Item{ID: deliveryID}, err)
}

// askHuman reserves task as awaiting confirmation instead of writing it,
// asks the user about it and ends the run. The scheduler's Confirm performs
// the write under the same key; Decline drops it.
func (a *agentUsecase) askHuman(ctx context.Context, r *run, task *taskdomain.Task, question string) (string, bool, error) {
	task.Status = taskdomain.TaskStatusAwaitingConfirmation
	existing, err := a.reserve(ctx, r, task)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return fmt.Sprintf("already satisfied: %s %q exists (%s)", existing.Kind, existing.Title, existing.Status), false, nil
	}
	r.log.Info("awaiting confirmation", zap.String("key", task.Key()), zap.String("task_id", task.ID))

	question += "\nConfirm or decline task " + task.ID + "."
	obs, _, err := a.sendNotification(ctx, r, question, "❓ Confirmation needed", map[string]string{
		"confirm_task_id": task.ID,
	})
	if err != nil {
		return "", false, err
	}
	return "asked the user to confirm: " + obs, true, nil
}

// effect runs the external call with local retries for transient errors.
func (a *agentUsecase) effect(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return apperr.Retry(ctx, a.cfg.Backoff, func(ctx context.Context) error {
		return apperr.ClassifyIO(op, fn(ctx))
	})
}

// settle records the outcome of an effect. The retry pass owns a failed row
// from then on. A failed calendar write ends the run; a failed notification
// does not, so later tools still run.
func (a *agentUsecase) settle(ctx context.Context, r *run, task *taskdomain.Task, item *calendar.Item, effectErr error) (string, bool, error) {
	if effectErr != nil {
		r.log.Warn("effect failed", zap.String("key", task.Key()), zap.Error(effectErr))
		if err := a.tasks.MarkFailed(ctx, task.ID, effectErr.Error()); err != nil {
			return "", false, err
		}
		task.Status = taskdomain.TaskStatusFailed
		task.LastError = effectErr.Error()
		return fmt.Sprintf("%s failed: %v", task.Kind, effectErr), task.Kind.Calendar(), nil
	}
	var id, link string
	if item != nil {
		id, link = item.ID, item.Link
	}
	if err := a.tasks.MarkSent(ctx, task.ID, id, link); err != nil {
		return "", false, err
	}
	task.Status = taskdomain.TaskStatusSent
	task.ExternalID, task.ExternalLink = id, link
	r.log.Info("effect performed", zap.String("key", task.Key()), zap.String("title", task.Title))
	return fmt.Sprintf("%s %q created", task.Kind, task.Title), false, nil
}

func eventDescription(r *run, notes string) string {
	var b strings.Builder
	if notes != "" {
		b.WriteString(notes)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "From: %s\nSubject: %s\n", r.msg.From, r.msg.Subject)
	if r.deep != nil && r.deep.DetailedSummary != "" {
		b.WriteString("\n")
		b.WriteString(r.deep.DetailedSummary)
	}
	return b.String()
}

// splitTitle uses the first line of text as the title.
func splitTitle(text string) (title, body string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:])
	}
	return text, ""
}
