package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jdziat/priority-jobs/pkg/config"
	"github.com/jdziat/priority-jobs/pkg/dispatcher"
	"github.com/jdziat/priority-jobs/pkg/storage"
)

// app holds the state shared by every subcommand. It is populated by the
// root command's PersistentPreRunE.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	store      *storage.GormStorage
	dispatcher *dispatcher.Dispatcher
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "jobsctl",
		Short:         "Administer a durable priority job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "jobs.json", "path to the JSON config file")

	root.AddCommand(
		queueCmd(a),
		jobCmd(a),
		reclaimCmd(a),
		serveCmd(a),
		configCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.Logger(cmd.ErrOrStderr())
	return nil
}

// open connects the dispatcher. Commands that only read the config skip it.
func (a *app) open(cmd *cobra.Command) error {
	if a.dispatcher != nil {
		return nil
	}
	store, err := a.cfg.OpenStorage(cmd.Context())
	if err != nil {
		return err
	}
	a.store = store
	a.dispatcher = dispatcher.New(store, a.cfg.DispatcherOptions(a.logger)...)
	return nil
}

func (a *app) close() error {
	if a.dispatcher != nil {
		a.dispatcher.Close()
		a.dispatcher = nil
	}
	if a.store != nil {
		sqlDB, err := a.store.DB().DB()
		a.store = nil
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// withDispatcher wraps a RunE that needs the store and closes it afterwards.
func (a *app) withDispatcher(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		if err := a.open(cmd); err != nil {
			return err
		}
		defer func() {
			if cerr := a.close(); err == nil {
				err = cerr
			}
		}()
		return run(cmd, args)
	}
}
