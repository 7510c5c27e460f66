// Package app holds the command line of the agent.
package app

import (
	"inbox-agent/internal/apperr"
	"inbox-agent/pkg/config"
	"inbox-agent/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func Execute() error {
	return NewRoot().Execute()
}

// env is what every command starts from.
type env struct {
	v          *viper.Viper
	configFile string

	cfg *config.Config
	log *zap.Logger
}

func NewRoot() *cobra.Command {
	e := &env{v: viper.New()}
	root := &cobra.Command{
		Use:           "inbox-agent",
		Short:         "Watches a mailbox and turns mail into calendar entries and alerts",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.log != nil {
				_ = e.log.Sync()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&e.configFile, "config", "", "config file (yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	_ = e.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		ServeCmd(e),
		MigrateCmd(e),
		RetryCmd(e),
		DigestCmd(e),
		RulesCmd(e),
		ContactsCmd(e),
		TokenCmd(e),
		AuthorizeCmd(e),
	)
	return root
}

func (e *env) init() error {
	cfg, err := config.Load(e.v, e.configFile)
	if err != nil {
		return apperr.Configuration("config.load", err)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return apperr.Configuration("logger", err)
	}
	e.cfg, e.log = cfg, log
	return nil
}
