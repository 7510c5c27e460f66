package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	agentusecase "inbox-agent/internal/agent/usecase"
	authdomain "inbox-agent/internal/auth/domain"
	authrepo "inbox-agent/internal/auth/repository"
	contactdomain "inbox-agent/internal/contact/domain"
	contactrepo "inbox-agent/internal/contact/repository"
	inboxdomain "inbox-agent/internal/inbox/domain"
	inboxrepo "inbox-agent/internal/inbox/repository"
	inboxusecase "inbox-agent/internal/inbox/usecase"
	msgdomain "inbox-agent/internal/message/domain"
	msgrepo "inbox-agent/internal/message/repository"
	"inbox-agent/internal/notification"
	taskdomain "inbox-agent/internal/task/domain"
	taskrepo "inbox-agent/internal/task/repository"
	"inbox-agent/pkg/ai"
	"inbox-agent/pkg/calendar"
	"inbox-agent/pkg/config"
	"inbox-agent/pkg/database"
	"inbox-agent/pkg/fcm"
	"inbox-agent/pkg/gmail"
	"inbox-agent/pkg/googleauth"
	"inbox-agent/pkg/imap"
	"inbox-agent/pkg/sealer"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// loopbackRedirect is the redirect of the installed-app flow. Nothing listens
// there; the operator copies the code from the address bar.
const loopbackRedirect = "http://127.0.0.1"

// store bundles the repositories over one database.
type store struct {
	db       *gorm.DB
	messages msgrepo.MessageRepository
	rules    msgrepo.IgnoreRuleRepository
	tasks    taskrepo.TaskRepository
	contacts contactrepo.ContactRepository
	cursors  inboxrepo.CursorRepository
	devices  authrepo.DeviceRepository
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&msgdomain.Message{},
		&msgdomain.Transition{},
		&msgdomain.IgnoreRule{},
		&taskdomain.Task{},
		&contactdomain.Contact{},
		&inboxdomain.Cursor{},
		&authdomain.Device{},
	)
}

// openStore connects, migrates and checks the ledger constraint.
func (e *env) openStore(ctx context.Context) (*store, error) {
	db, err := database.NewConnection(e.cfg.Database, e.log)
	if err != nil {
		return nil, err
	}
	return newStore(ctx, db, e.cfg.SealPassphrase)
}

func newStore(ctx context.Context, db *gorm.DB, passphrase string) (*store, error) {
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	seal, err := sealer.New(passphrase, "")
	if err != nil {
		return nil, err
	}
	s := &store{
		db:       db,
		messages: msgrepo.NewGormMessageRepository(db, seal),
		rules:    msgrepo.NewGormIgnoreRuleRepository(db),
		tasks:    taskrepo.NewGormTaskRepository(db),
		contacts: contactrepo.NewGormContactRepository(db),
		cursors:  inboxrepo.NewGormCursorRepository(db),
		devices:  authrepo.NewDeviceRepository(db),
	}
	if err := s.tasks.VerifySchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *store) Close() error {
	return database.Close(s.db)
}

func (e *env) location() (*time.Location, error) {
	loc, err := time.LoadLocation(e.cfg.Pipeline.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline.timezone %q: %w", e.cfg.Pipeline.Timezone, err)
	}
	return loc, nil
}

// llm returns the queued model endpoint. The caller stops the queue.
func (e *env) llm(ctx context.Context) (*ai.Queue, error) {
	a := e.cfg.AI
	endpoint, err := ai.NewEndpoint(ctx, ai.Config{
		Provider:         ai.ProviderType(a.Provider),
		OllamaBaseURL:    a.OllamaBaseURL,
		OllamaModel:      a.OllamaModel,
		LlamaServerURL:   a.LlamaServerURL,
		LlamaServerModel: a.LlamaServerModel,
		GeminiAPIKey:     a.GeminiAPIKey,
		GeminiModel:      a.GeminiModel,
		Timeout:          a.RequestTimeout,
	}, e.log)
	if err != nil {
		return nil, err
	}
	q := ai.NewQueue(endpoint, a.QueueSize, e.log)
	q.Start()
	return q, nil
}

// channel pushes through FCM when Firebase is configured and logs otherwise.
func (e *env) channel(ctx context.Context, devices authrepo.DeviceRepository) notification.Channel {
	if e.cfg.Firebase.CredentialsFile == "" {
		e.log.Warn("no firebase credentials, notifications are only logged")
		return notification.NewLogChannel(e.log)
	}
	client, err := fcm.NewClient(ctx, e.cfg.Firebase.CredentialsFile, e.log)
	if err != nil {
		e.log.Warn("push notifications disabled", zap.Error(err))
		return notification.NewLogChannel(e.log)
	}
	return notification.NewFCMChannel(client, e.log,
		notification.StaticDevices(e.cfg.Firebase.DeviceTokens), devices)
}

// calendar returns nil when no calendar token is configured; calendar tools
// then fail and their rows wait for the retry pass.
func (e *env) calendar(ctx context.Context, loc *time.Location) agentusecase.Calendar {
	g := e.cfg.Google
	if g.CalendarToken == "" {
		e.log.Warn("no calendar token configured, calendar tools disabled")
		return nil
	}
	oauthCfg := googleauth.Config(g.ClientID, g.ClientSecret, loopbackRedirect, calendar.Scope)
	client, err := googleauth.NewHTTPClient(ctx, oauthCfg, g.CalendarToken, e.log)
	if err != nil {
		e.log.Warn("calendar disabled", zap.Error(err))
		return nil
	}
	cal, err := calendar.New(ctx, client, g.CalendarID, loc, e.log)
	if err != nil {
		e.log.Warn("calendar disabled", zap.Error(err))
		return nil
	}
	return cal
}

// feed is an account's mailbox and, for Gmail, its push registration.
type feed struct {
	inboxusecase.Feed
	provider inboxdomain.Provider
	renew    func(ctx context.Context) (time.Time, error)
}

func (e *env) feed(ctx context.Context, acct config.AccountConfig) (*feed, error) {
	switch acct.Provider {
	case "imap":
		svc := imap.New(imap.Config{
			Addr:     acct.IMAPHost,
			Username: acct.IMAPUser,
			Password: acct.IMAPPassword,
			Mailbox:  acct.IMAPMailbox,
		}, e.log.With(zap.String("account", acct.ID)))
		return &feed{Feed: svc, provider: inboxdomain.ProviderIMAP}, nil
	default:
		g := e.cfg.Google
		oauthCfg := googleauth.Config(g.ClientID, g.ClientSecret, loopbackRedirect, gmail.ReadonlyScope)
		client, err := googleauth.NewHTTPClient(ctx, oauthCfg, tokenFile(acct), e.log)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acct.ID, err)
		}
		svc, err := gmail.New(ctx, client, e.log.With(zap.String("account", acct.ID)))
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acct.ID, err)
		}
		f := &feed{Feed: svc, provider: inboxdomain.ProviderGmail}
		if g.ProjectID != "" {
			topic := topicPath(g.ProjectID, g.PubSubTopic)
			f.renew = func(ctx context.Context) (time.Time, error) {
				return svc.Watch(ctx, topic)
			}
		}
		return f, nil
	}
}

func tokenFile(acct config.AccountConfig) string {
	if acct.TokenFile != "" {
		return acct.TokenFile
	}
	return filepath.Join("tokens", strings.ReplaceAll(acct.ID, "/", "_")+".json")
}

// topicName returns the short name of a Pub/Sub topic given either form.
func topicName(topic string) string {
	if parts := strings.Split(topic, "/"); len(parts) > 1 {
		return parts[len(parts)-1]
	}
	if topic == "" {
		return "gmail-updates"
	}
	return topic
}

func topicPath(projectID, topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicName(topic))
}
