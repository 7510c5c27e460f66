package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	api "inbox-agent/cmd/api"
	agentusecase "inbox-agent/internal/agent/usecase"
	authdelivery "inbox-agent/internal/auth/delivery"
	authusecase "inbox-agent/internal/auth/usecase"
	classifierusecase "inbox-agent/internal/classifier/usecase"
	digestdelivery "inbox-agent/internal/digest/delivery"
	digestusecase "inbox-agent/internal/digest/usecase"
	inboxusecase "inbox-agent/internal/inbox/usecase"
	msgdelivery "inbox-agent/internal/message/delivery"
	msgdomain "inbox-agent/internal/message/domain"
	pipelineusecase "inbox-agent/internal/pipeline/usecase"
	taskdelivery "inbox-agent/internal/task/delivery"
	"inbox-agent/internal/task/scheduler"
	"inbox-agent/pkg/chroma"
	"inbox-agent/pkg/database"

	"cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

const relatedMessages = 3

func ServeCmd(e *env) *cobra.Command {
	var noAPI bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the account pipelines, the schedulers and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return e.serve(ctx, !noAPI)
		},
	}
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the admin API")
	return cmd
}

func (e *env) serve(ctx context.Context, withAPI bool) error {
	cfg, log := e.cfg, e.log
	p := cfg.Pipeline

	st, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	loc, err := e.location()
	if err != nil {
		return err
	}

	if cfg.IgnoreRulesFile != "" {
		n, err := importRules(ctx, st.rules, cfg.IgnoreRulesFile)
		if err != nil {
			return err
		}
		log.Info("ignore rules imported", zap.Int("rules", n), zap.String("file", cfg.IgnoreRulesFile))
	}
	stored, err := st.rules.List(ctx)
	if err != nil {
		return err
	}
	rules, err := msgdomain.NewRuleSet(stored)
	if err != nil {
		return err
	}

	llm, err := e.llm(ctx)
	if err != nil {
		return err
	}
	defer llm.Stop()

	channel := e.channel(ctx, st.devices)
	cal := e.calendar(ctx, loc)

	var related classifierusecase.RelatedIndex
	var indexer pipelineusecase.Indexer
	if cfg.Chroma.APIKey != "" {
		index, err := chroma.New(ctx, chroma.Config{
			APIKey:       cfg.Chroma.APIKey,
			Tenant:       cfg.Chroma.Tenant,
			Database:     cfg.Chroma.Database,
			GeminiAPIKey: cfg.AI.GeminiAPIKey,
		}, st.messages, log)
		if err != nil {
			log.Warn("related-message index disabled", zap.Error(err))
		} else {
			related, indexer = index, index
		}
	}

	classifier := classifierusecase.NewClassifierUsecase(llm, st.contacts, st.messages, st.tasks, related, classifierusecase.Config{
		ShallowMaxAttempts: p.ShallowMaxAttempts,
		DeepMaxAttempts:    p.DeepMaxAttempts,
		ThreadHistory:      p.ThreadHistory,
		RelatedMessages:    relatedMessages,
		UserProfile:        p.UserProfile,
		Location:           loc,
	}, log)
	agent := agentusecase.NewAgentUsecase(llm, st.tasks, cal, channel, agentusecase.Config{
		MaxSteps:         p.AgentMaxSteps,
		AlwaysAskHuman:   p.AlwaysAskHuman,
		ReminderLeadTime: p.ReminderLeadTime,
		ReminderHistory:  p.ReminderHistory,
		TitleSimilarity:  p.TitleSimilarity,
		UserProfile:      p.UserProfile,
		Location:         loc,
	}, log)
	sched := scheduler.NewNotificationScheduler(st.tasks, channel, cal, scheduler.Config{
		Interval:            p.SchedulerInterval,
		RetryInterval:       p.RetryInterval,
		EventLeadTime:       p.EventLeadTime,
		ReminderLeadTime:    p.ReminderLeadTime,
		MaxDeliveryAttempts: p.MaxDeliveryAttempts,
		StaleAfter:          p.StaleAfter,
		Location:            loc,
	}, log)

	var watcher *inboxusecase.PushWatcher
	if cfg.Google.ProjectID != "" {
		var opts []option.ClientOption
		if cfg.Google.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Google.CredentialsFile))
		}
		client, err := pubsub.NewClient(ctx, cfg.Google.ProjectID, opts...)
		if err != nil {
			log.Warn("push wake-ups disabled", zap.Error(err))
		} else {
			defer client.Close()
			watcher = inboxusecase.NewPushWatcher(client, topicName(cfg.Google.PubSubTopic), log)
		}
	}

	pipelines := &pipelineusecase.Pipelines{
		Messages:  st.messages,
		ByAccount: make(map[string]pipelineusecase.PipelineUsecase),
	}
	var accounts []pipelineusecase.Account
	var accountIDs []string
	for _, acct := range cfg.Accounts {
		f, err := e.feed(ctx, acct)
		if err != nil {
			log.Error("account disabled", zap.String("account", acct.ID), zap.Error(err))
			continue
		}
		poller := inboxusecase.NewPollerUsecase(f, st.cursors, inboxusecase.PollerConfig{
			AccountID:     acct.ID,
			Provider:      f.provider,
			BackfillLimit: p.BackfillLimit,
		}, log)
		address := acct.Address
		if address == "" {
			address = acct.ID
		}
		pipe := pipelineusecase.NewPipelineUsecase(st.messages, rules, st.contacts, indexer, classifier, agent, st.tasks, sched,
			pipelineusecase.Config{
				AccountID:          acct.ID,
				Address:            address,
				DeepThreshold:      p.DeepThreshold,
				MaxMessageAttempts: p.MaxMessageAttempts,
				RetryBackoff:       p.RetryBackoff,
			}, log)
		a := pipelineusecase.Account{ID: acct.ID, Poller: poller, Pipeline: pipe}
		if watcher != nil && f.renew != nil {
			a.Wake = watcher.Register(address)
			a.Renew = f.renew
		}
		accounts = append(accounts, a)
		accountIDs = append(accountIDs, acct.ID)
		pipelines.ByAccount[acct.ID] = pipe
	}
	if len(accounts) == 0 {
		log.Warn("no usable accounts configured")
	}

	var locker database.AccountLocker = database.LocalAccountLocker{}
	if cfg.Database.Driver == "postgres" {
		pg, err := database.NewPgAccountLocker(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		locker = pg
	}

	digest := digestusecase.NewDigestUsecase(st.messages, llm, channel, digestusecase.Config{
		Hour:     p.DigestHour,
		Location: loc,
	}, log)

	auth, err := authusecase.NewAuthUsecase(cfg.JWTSecret, cfg.JWTAccessExpiry)
	if err != nil {
		return err
	}

	sched.Start(ctx)
	defer sched.Stop()
	if p.DigestEnabled {
		worker := digestusecase.NewWorker(digest, accountIDs, digestusecase.Config{Hour: p.DigestHour, Location: loc}, log)
		worker.Start(ctx)
		defer worker.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error {
			// Polling keeps working without push.
			if err := watcher.Run(ctx); err != nil {
				log.Error("push watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	runner := pipelineusecase.NewRunner(accounts, locker, channel, pipelineusecase.RunnerConfig{
		PollInterval: p.PollInterval,
	}, log)
	g.Go(func() error {
		return runner.Run(ctx)
	})

	if withAPI {
		server := api.NewServer(":"+cfg.Port, auth, api.Handlers{
			Messages: msgdelivery.NewMessageHandler(st.messages, st.tasks, pipelines, log),
			Tasks:    taskdelivery.NewTaskHandler(st.tasks, sched),
			Digest:   digestdelivery.NewDigestHandler(digest, accountIDs),
			Devices:  authdelivery.NewDeviceHandler(st.devices, log),
		}, log)
		g.Go(func() error {
			return server.Start(ctx)
		})
	}

	log.Info("agent started", zap.Int("accounts", len(accounts)), zap.Int("ignore_rules", rules.Len()))
	err = g.Wait()
	log.Info("agent stopped")
	return err
}
