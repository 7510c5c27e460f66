package usecase

import (
	"context"
	"fmt"
	"time"

	"inbox-agent/internal/apperr"
	contactdomain "inbox-agent/internal/contact/domain"
	msgdomain "inbox-agent/internal/message/domain"
	"inbox-agent/pkg/ai"

	"go.uber.org/zap"
)

const defaultTaskHistory = 10

type classifierUsecase struct {
	llm      ai.Endpoint
	contacts ContactLookup
	threads  ThreadReader
	tasks    TaskHistory
	related  RelatedIndex
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
}

// NewClassifierUsecase creates a classifier. related may be nil.
func NewClassifierUsecase(
	llm ai.Endpoint,
	contacts ContactLookup,
	threads ThreadReader,
	tasks TaskHistory,
	related RelatedIndex,
	cfg Config,
	log *zap.Logger,
) ClassifierUsecase {
	if cfg.ShallowMaxAttempts <= 0 {
		cfg.ShallowMaxAttempts = 3
	}
	if cfg.DeepMaxAttempts <= 0 {
		cfg.DeepMaxAttempts = 3
	}
	if cfg.TaskHistory <= 0 {
		cfg.TaskHistory = defaultTaskHistory
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &classifierUsecase{
		llm:      llm,
		contacts: contacts,
		threads:  threads,
		tasks:    tasks,
		related:  related,
		cfg:      cfg,
		now:      time.Now,
		log:      log.Named("classifier"),
	}
}

func (c *classifierUsecase) Shallow(ctx context.Context, msg *msgdomain.Message) (*msgdomain.ShallowResult, error) {
	req := ai.Request{
		Purpose:     ai.PurposeShallow,
		System:      shallowSystem(c.cfg.UserProfile),
		Prompt:      shallowPrompt(msg, c.now(), c.cfg.Location),
		Schema:      shallowSchema,
		MaxTokens:   4096,
		Temperature: 0.3,
	}

	var result *msgdomain.ShallowResult
	err := c.generate(ctx, "classifier.shallow", msg.ID, req, shallowExample, c.cfg.ShallowMaxAttempts,
		func(resp *ai.Response) error {
			r, err := parseShallow(resp.Text)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *classifierUsecase) Deep(ctx context.Context, msg *msgdomain.Message, shallow *msgdomain.ShallowResult) (*msgdomain.DeepResult, error) {
	dc := c.gatherContext(ctx, msg)
	req := ai.Request{
		Purpose:     ai.PurposeDeep,
		System:      deepSystem(c.cfg.UserProfile),
		Prompt:      deepPrompt(msg, shallow, dc, c.now(), c.cfg.Location),
		Schema:      deepSchema,
		MaxTokens:   8192,
		Temperature: 0.3,
	}

	var result *msgdomain.DeepResult
	err := c.generate(ctx, "classifier.deep", msg.ID, req, deepExample, c.cfg.DeepMaxAttempts,
		func(resp *ai.Response) error {
			r, err := parseDeep(resp.Text, c.cfg.Location)
			if err != nil {
				return err
			}
			r.Trace = resp.Thinking
			result = r
			return nil
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// generate calls the model until parse accepts the response. Transport
// errors return at once; malformed output retries with the stricter prompt.
func (c *classifierUsecase) generate(
	ctx context.Context,
	op, messageID string,
	req ai.Request,
	example string,
	attempts int,
	parse func(*ai.Response) error,
) error {
	base := req.Prompt
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			req.Prompt = stricter(base, example, lastErr)
			req.Temperature = 0
		}
		resp, err := c.llm.Generate(ctx, req)
		if err != nil {
			return apperr.ClassifyIO(op, err)
		}
		if err := parse(resp); err != nil {
			lastErr = err
			c.log.Warn("malformed model output",
				zap.String("op", op),
				zap.String("message_id", messageID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		return nil
	}
	return apperr.ModelOutput(op, fmt.Errorf("no usable output after %d attempts: %w", attempts, lastErr))
}

// gatherContext collects what the deep pass may know. Every source is
// optional; failures shrink the prompt rather than fail the message.
func (c *classifierUsecase) gatherContext(ctx context.Context, msg *msgdomain.Message) deepContext {
	var dc deepContext
	log := c.log.With(zap.String("message_id", msg.ID))

	seen := map[string]bool{}
	addresses := append([]string{msg.From}, msg.Envelope().Recipients()...)
	for i, addr := range addresses {
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		contact, err := c.lookupContact(ctx, addr)
		if err != nil {
			if i == 0 {
				log.Debug("reduced context", zap.Error(err))
			}
			continue
		}
		dc.contacts = append(dc.contacts, contact)
	}

	if c.threads != nil && msg.ThreadID != "" && c.cfg.ThreadHistory > 0 {
		thread, err := c.threads.ListThread(ctx, msg.AccountID, msg.ThreadID, msg.ID, c.cfg.ThreadHistory)
		if err != nil {
			log.Warn("thread history unavailable", zap.Error(err))
		}
		dc.thread = thread
	}

	if c.tasks != nil && msg.From != "" {
		tasks, err := c.tasks.FindBySender(ctx, msg.From, c.cfg.TaskHistory)
		if err != nil {
			log.Warn("task history unavailable", zap.Error(err))
		}
		dc.tasks = tasks
	}

	if c.related != nil && c.cfg.RelatedMessages > 0 {
		related, err := c.related.Related(ctx, msg, c.cfg.RelatedMessages)
		if err != nil {
			log.Warn("related messages unavailable", zap.Error(err))
		}
		dc.related = related
	}
	return dc
}

// lookupContact returns a Configuration error when no profile exists.
func (c *classifierUsecase) lookupContact(ctx context.Context, address string) (*contactdomain.Contact, error) {
	if c.contacts == nil {
		return nil, apperr.Configuration("classifier.contacts", fmt.Errorf("no contact store"))
	}
	contact, err := c.contacts.Lookup(ctx, address)
	if err != nil {
		return nil, apperr.Configuration("classifier.contacts", err)
	}
	if contact == nil || !contact.HasProfile() {
		return nil, apperr.Configuration("classifier.contacts", fmt.Errorf("no profile for %s", address))
	}
	return contact, nil
}
