package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	agentusecase "inbox-agent/internal/agent/usecase"
	"inbox-agent/internal/apperr"
	inboxdomain "inbox-agent/internal/inbox/domain"
	msgdomain "inbox-agent/internal/message/domain"
	msgrepo "inbox-agent/internal/message/repository"
	"inbox-agent/internal/notification"
	taskdomain "inbox-agent/internal/task/domain"
	"inbox-agent/internal/task/scheduler"
	"inbox-agent/pkg/database"
	"inbox-agent/pkg/mailparse"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClassifier struct {
	mu           sync.Mutex
	shallow      msgdomain.ShallowResult
	shallowErr   error
	deepErr      error
	shallowCalls int
	deepCalls    int
}

func (c *fakeClassifier) Shallow(ctx context.Context, msg *msgdomain.Message) (*msgdomain.ShallowResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shallowCalls++
	if c.shallowErr != nil {
		return nil, c.shallowErr
	}
	out := c.shallow
	return &out, nil
}

func (c *fakeClassifier) Deep(ctx context.Context, msg *msgdomain.Message, shallow *msgdomain.ShallowResult) (*msgdomain.DeepResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deepCalls++
	if c.deepErr != nil {
		return nil, c.deepErr
	}
	return &msgdomain.DeepResult{
		DetailedSummary: "summary of " + msg.Subject,
		Recommendation:  msgdomain.Recommendation{Action: msgdomain.ActionNoAction},
	}, nil
}

type fakeAgent struct {
	mu       sync.Mutex
	decision msgdomain.Action
	err      error
	calls    int
}

func (a *fakeAgent) Run(ctx context.Context, msg *msgdomain.Message, deep *msgdomain.DeepResult) (*agentusecase.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return &agentusecase.Outcome{Decision: a.decision, Steps: []agentusecase.Step{{Tool: "no_op"}}}, nil
}

type fakeTaskLister struct {
	mu    sync.Mutex
	tasks map[string][]*taskdomain.Task
}

func (f *fakeTaskLister) ListByMessage(ctx context.Context, messageID string) ([]*taskdomain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[messageID], nil
}

type fakePlanner struct {
	mu      sync.Mutex
	planned []*taskdomain.Task
	links   []notification.Link
	err     error
}

func (p *fakePlanner) Plan(ctx context.Context, source *taskdomain.Task, links []notification.Link) (*scheduler.PlanResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.planned = append(p.planned, source)
	p.links = links
	return &scheduler.PlanResult{Immediate: &taskdomain.Task{Kind: taskdomain.KindNotification}}, nil
}

type fakeContactBook struct {
	touched []string
}

func (c *fakeContactBook) Touch(ctx context.Context, address, name string, seen time.Time) error {
	c.touched = append(c.touched, address)
	return nil
}

var testNow = time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)

type fixture struct {
	messages   msgrepo.MessageRepository
	classifier *fakeClassifier
	agent      *fakeAgent
	tasks      *fakeTaskLister
	planner    *fakePlanner
	contacts   *fakeContactBook
	rules      *msgdomain.RuleSet
	cfg        Config
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewSQLiteMemory(uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&msgdomain.Message{}, &msgdomain.Transition{}))
	t.Cleanup(func() { _ = database.Close(db) })

	rules, err := msgdomain.NewRuleSet([]*msgdomain.IgnoreRule{
		{ID: "news", Field: msgdomain.RuleFieldSender, Pattern: `@news\.example\.com$`},
	})
	require.NoError(t, err)

	return &fixture{
		messages: msgrepo.NewGormMessageRepository(db, nil),
		classifier: &fakeClassifier{shallow: msgdomain.ShallowResult{
			Category: msgdomain.CategoryImportant, Importance: 0.9, Summary: "meeting request",
		}},
		agent:    &fakeAgent{decision: msgdomain.ActionNoAction},
		tasks:    &fakeTaskLister{tasks: map[string][]*taskdomain.Task{}},
		planner:  &fakePlanner{},
		contacts: &fakeContactBook{},
		rules:    rules,
		cfg: Config{
			AccountID:          "me@example.com",
			Address:            "me@example.com",
			DeepThreshold:      0.5,
			MaxMessageAttempts: 3,
			RetryBackoff:       time.Minute,
			Backoff:            apperr.Backoff{Attempts: 1},
		},
		clock: testNow,
	}
}

func (f *fixture) pipeline() *pipelineUsecase {
	p := NewPipelineUsecase(f.messages, f.rules, f.contacts, nil, f.classifier, f.agent, f.tasks, f.planner, f.cfg, zap.NewNop()).(*pipelineUsecase)
	p.now = func() time.Time { return f.clock }
	return p
}

func ingest(t *testing.T, p PipelineUsecase, id, from string) {
	t.Helper()
	err := p.Ingest(context.Background(), inboxdomain.Ref{ID: id, ThreadID: "t-" + id}, &mailparse.Message{
		From:    from,
		Subject: "Budget review",
		Text:    "Can we meet Tuesday at 3pm?",
		Date:    testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
}

func (f *fixture) load(t *testing.T, id string) *msgdomain.Message {
	t.Helper()
	msg, err := f.messages.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func (f *fixture) path(t *testing.T, id string) []msgdomain.LifecycleState {
	t.Helper()
	trs, err := f.messages.Transitions(context.Background(), id)
	require.NoError(t, err)
	out := make([]msgdomain.LifecycleState, len(trs))
	for i, tr := range trs {
		out[i] = tr.To
	}
	return out
}

func TestIgnoreRuleSkipsWithoutModelCall(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()
	ingest(t, p, "m1", "digest@news.example.com")

	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg := f.load(t, "m1")
	assert.Equal(t, msgdomain.StateSkipped, msg.State)
	assert.False(t, msg.Shallow.Valid)
	assert.Zero(t, f.classifier.shallowCalls)

	trs, err := f.messages.Transitions(context.Background(), "m1")
	require.NoError(t, err)
	assert.Contains(t, trs[len(trs)-1].Reason, "ignore rule news")
}

func TestImportanceThreshold(t *testing.T) {
	tests := []struct {
		name       string
		importance float64
		want       []msgdomain.LifecycleState
	}{
		{"below", 0.49, []msgdomain.LifecycleState{
			msgdomain.StateNew, msgdomain.StateShallowClassified, msgdomain.StateArchived,
		}},
		{"equal", 0.5, []msgdomain.LifecycleState{
			msgdomain.StateNew, msgdomain.StateShallowClassified, msgdomain.StateDeepPending,
			msgdomain.StateDeepAnalyzed, msgdomain.StateAgentDecided, msgdomain.StateSkipped,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.classifier.shallow.Importance = tt.importance
			p := f.pipeline()
			ingest(t, p, "m1", "dana@example.com")

			_, err := p.Drain(context.Background())
			require.NoError(t, err)

			if diff := cmp.Diff(tt.want, f.path(t, "m1")); diff != "" {
				t.Errorf("path mismatch (-want +got):\n%s", diff)
			}
			msg := f.load(t, "m1")
			assert.True(t, msg.Shallow.Valid)
			assert.Equal(t, tt.importance >= 0.5, msg.Deep.Valid)
		})
	}
}

func TestScheduledMessageIsNotified(t *testing.T) {
	f := newFixture(t)
	f.agent.decision = msgdomain.ActionScheduleEvent
	event := &taskdomain.Task{ID: "e1", MessageID: "m1", Kind: taskdomain.KindCalendarEvent, Status: taskdomain.TaskStatusSent}
	f.tasks.tasks["m1"] = []*taskdomain.Task{event}
	p := f.pipeline()
	ingest(t, p, "m1", "dana@example.com")

	_, err := p.Drain(context.Background())
	require.NoError(t, err)
	p.Wait()

	want := []msgdomain.LifecycleState{
		msgdomain.StateNew, msgdomain.StateShallowClassified, msgdomain.StateDeepPending,
		msgdomain.StateDeepAnalyzed, msgdomain.StateAgentDecided, msgdomain.StateScheduled,
		msgdomain.StateNotifiedPending, msgdomain.StateNotifiedSent,
	}
	if diff := cmp.Diff(want, f.path(t, "m1")); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
	msg := f.load(t, "m1")
	assert.Equal(t, msgdomain.ActionScheduleEvent, msg.Decision)
	require.Len(t, f.planner.planned, 1)
	assert.Equal(t, "e1", f.planner.planned[0].ID)
	assert.Equal(t, notification.ThreadLinks("me@example.com", "t-m1"), f.planner.links)
	assert.Equal(t, []string{"dana@example.com"}, f.contacts.touched)
}

func TestFailedCalendarEffectStillCompletesMessage(t *testing.T) {
	f := newFixture(t)
	f.agent.decision = msgdomain.ActionCreateReminder
	f.tasks.tasks["m1"] = []*taskdomain.Task{
		{ID: "r1", MessageID: "m1", Kind: taskdomain.KindReminder, Status: taskdomain.TaskStatusFailed},
	}
	p := f.pipeline()
	ingest(t, p, "m1", "dana@example.com")

	_, err := p.Drain(context.Background())
	require.NoError(t, err)
	p.Wait()

	assert.Equal(t, msgdomain.StateNotifiedSent, f.load(t, "m1").State)
	assert.Empty(t, f.planner.planned)
}

func TestProcessingTwiceRunsEachStageOnce(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()
	ingest(t, p, "m1", "dana@example.com")
	// A second sighting of the same message is a no-op.
	ingest(t, p, "m1", "dana@example.com")
	assert.Equal(t, 1, p.queue.len())

	_, err := p.Drain(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), "m1"))

	assert.Equal(t, 1, f.classifier.shallowCalls)
	assert.Equal(t, 1, f.classifier.deepCalls)
	assert.Equal(t, 1, f.agent.calls)
	assert.Len(t, f.contacts.touched, 1)
}

func TestUnparseableOutputFailsMessage(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(c *fakeClassifier)
		reason    string
		lastGood  msgdomain.LifecycleState
		deepCalls int
	}{
		{
			name:     "shallow",
			setup:    func(c *fakeClassifier) { c.shallowErr = apperr.ModelOutput("shallow", errors.New("no json")) },
			reason:   ReasonClassificationUnparseable,
			lastGood: msgdomain.StateNew,
		},
		{
			name:      "deep",
			setup:     func(c *fakeClassifier) { c.deepErr = apperr.ModelOutput("deep", errors.New("no json")) },
			reason:    ReasonDeepUnparseable,
			lastGood:  msgdomain.StateDeepPending,
			deepCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.classifier)
			p := f.pipeline()
			ingest(t, p, "m1", "dana@example.com")

			_, err := p.Drain(context.Background())
			require.NoError(t, err)

			msg := f.load(t, "m1")
			assert.Equal(t, msgdomain.StateFailed, msg.State)
			assert.Equal(t, tt.reason, msg.FailureReason)
			assert.Equal(t, tt.lastGood, msg.LastGoodState)
			assert.Equal(t, tt.deepCalls, f.classifier.deepCalls)
			assert.Zero(t, f.agent.calls)
		})
	}
}

func TestUnreadableMessageIsRecordedFailed(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()
	ref := inboxdomain.Ref{ID: "bad", ThreadID: "t-bad"}
	cause := errors.New("parsing message bad: malformed MIME header line")

	require.NoError(t, p.IngestUnreadable(context.Background(), ref, cause))
	require.NoError(t, p.IngestUnreadable(context.Background(), ref, cause))

	msg := f.load(t, "bad")
	assert.Equal(t, msgdomain.StateFailed, msg.State)
	assert.Equal(t, ReasonUnparseableMessage, msg.FailureReason)
	assert.Contains(t, msg.Body, "malformed MIME header line")
	assert.Equal(t, []msgdomain.LifecycleState{msgdomain.StateNew, msgdomain.StateFailed}, f.path(t, "bad"))

	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.classifier.shallowCalls)
}

func TestTransientFailuresAreBounded(t *testing.T) {
	f := newFixture(t)
	f.classifier.shallowErr = apperr.TransientIO("shallow", errors.New("connection refused"))
	p := f.pipeline()
	ingest(t, p, "m1", "dana@example.com")
	ingest(t, p, "m2", "lee@example.com")

	for i := 0; i < 5; i++ {
		_, err := p.Drain(context.Background())
		require.NoError(t, err)
		f.clock = f.clock.Add(2 * time.Minute)
	}

	for _, id := range []string{"m1", "m2"} {
		msg := f.load(t, id)
		assert.Equal(t, msgdomain.StateFailed, msg.State)
		assert.Equal(t, ReasonTransientExhausted, msg.FailureReason)
		assert.Equal(t, 3, msg.Attempts)
	}
	assert.Equal(t, 6, f.classifier.shallowCalls)
	assert.Zero(t, p.queue.len())
}

func TestRequeuedMessageWaitsForBackoff(t *testing.T) {
	f := newFixture(t)
	f.classifier.shallowErr = apperr.TransientIO("shallow", errors.New("503"))
	p := f.pipeline()
	ingest(t, p, "m1", "dana@example.com")

	_, err := p.Drain(context.Background())
	require.NoError(t, err)
	next, ok := p.NextReady()
	require.True(t, ok)
	assert.Equal(t, testNow.Add(time.Minute), next)

	// Not ready yet.
	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.classifier.shallowErr = nil
	f.clock = next
	n, err = p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	msg := f.load(t, "m1")
	assert.Equal(t, msgdomain.StateSkipped, msg.State)
}

func TestRetryResumesAtLastGoodState(t *testing.T) {
	f := newFixture(t)
	f.classifier.deepErr = apperr.ModelOutput("deep", errors.New("truncated"))
	p := f.pipeline()
	ingest(t, p, "m1", "dana@example.com")
	_, err := p.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, msgdomain.StateFailed, f.load(t, "m1").State)

	f.classifier.deepErr = nil
	require.NoError(t, p.Retry(context.Background(), "m1"))
	_, err = p.Drain(context.Background())
	require.NoError(t, err)

	msg := f.load(t, "m1")
	assert.Equal(t, msgdomain.StateSkipped, msg.State)
	assert.Empty(t, msg.FailureReason)
	assert.Equal(t, 1, f.classifier.shallowCalls)
	assert.Equal(t, 2, f.classifier.deepCalls)

	err = p.Retry(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrNotFailed)
	err = p.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestPipelinesRouteRetryByAccount(t *testing.T) {
	f := newFixture(t)
	f.classifier.shallowErr = apperr.ModelOutput("shallow", errors.New("not json"))
	p := f.pipeline()
	ingest(t, p, "m1", "dana@example.com")
	ingest(t, p, "m2", "lee@example.com")
	_, err := p.Drain(context.Background())
	require.NoError(t, err)
	f.classifier.shallowErr = nil

	routed := &Pipelines{Messages: f.messages, ByAccount: map[string]PipelineUsecase{f.cfg.AccountID: p}}
	require.NoError(t, routed.Retry(context.Background(), "m1"))
	assert.ErrorIs(t, routed.Retry(context.Background(), "nope"), ErrMessageNotFound)

	// Without a pipeline for the account the message is only moved back.
	orphan := &Pipelines{Messages: f.messages}
	require.NoError(t, orphan.Retry(context.Background(), "m2"))
	assert.Equal(t, msgdomain.StateNew, f.load(t, "m2").State)

	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, msgdomain.StateSkipped, f.load(t, "m1").State)
}

func TestFatalStateStopsDrain(t *testing.T) {
	f := newFixture(t)
	f.agent.err = apperr.FatalState("ledger", errors.New("tasks table missing"))
	p := f.pipeline()
	ingest(t, p, "m1", "dana@example.com")
	ingest(t, p, "m2", "lee@example.com")

	n, err := p.Drain(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindFatalState))
	assert.Zero(t, n)
	assert.Equal(t, msgdomain.StateDeepAnalyzed, f.load(t, "m1").State)
	// The rest of the queue is untouched.
	assert.Equal(t, msgdomain.StateNew, f.load(t, "m2").State)
}

func TestResumeQueuesUnfinishedMessages(t *testing.T) {
	f := newFixture(t)
	first := f.pipeline()
	ingest(t, first, "m1", "dana@example.com")
	ingest(t, first, "m2", "digest@news.example.com")

	// A restarted process finds both through the store.
	p := f.pipeline()
	n, err := p.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = p.Drain(context.Background())
	require.NoError(t, err)
	n, err = p.Resume(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPrimaryTask(t *testing.T) {
	event := &taskdomain.Task{ID: "e", Kind: taskdomain.KindCalendarEvent}
	reminder := &taskdomain.Task{ID: "r", Kind: taskdomain.KindReminder}
	note := &taskdomain.Task{ID: "n", Kind: taskdomain.KindNotification}

	assert.Nil(t, primaryTask(nil))
	assert.Nil(t, primaryTask([]*taskdomain.Task{note}))
	assert.Equal(t, reminder, primaryTask([]*taskdomain.Task{note, reminder}))
	assert.Equal(t, event, primaryTask([]*taskdomain.Task{reminder, event}))
}
