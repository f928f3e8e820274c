package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dikkadev/qapt/pkg/backend"
	"github.com/dikkadev/qapt/pkg/config"
	"github.com/dikkadev/qapt/pkg/engine"
	"github.com/dikkadev/qapt/pkg/logging"
	"github.com/dikkadev/qapt/pkg/searchindex"
	"github.com/dikkadev/qapt/pkg/storage"
	"github.com/dikkadev/qapt/pkg/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, &app{}, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// execute runs the command line and releases what the command opened,
// whether it failed or not
func execute(ctx context.Context, a *app, args []string) error {
	defer a.close()

	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// app holds everything a command needs. It is opened lazily so that
// help and configuration commands work without apt or a database.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *storage.LibSQL
	eng   *engine.APT
	b     *backend.Backend

	logLevel string
	logDev   bool
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "qapt",
		Short: "QApt: a package management front end for apt",
		Long: `QApt lists, searches and marks apt packages and hands the resulting
transaction to a privileged worker for downloading and installing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}

	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.logDev, "log-dev", false, "Human readable log output")

	root.AddCommand(
		newListCmd(a),
		newShowCmd(a),
		newSearchCmd(a),
		newGroupsCmd(a),
		newInstallCmd(a),
		newRemoveCmd(a),
		newUpgradeCmd(a),
		newUpdateCmd(a),
		newIndexCmd(a),
		newHistoryCmd(a),
		newWatchCmd(a),
		newConfigureCmd(a),
	)
	return root
}

func (a *app) loadConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logDev {
		cfg.LogDevelopment = true
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
	})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.log = log
	return nil
}

// backend opens storage, the apt engine and the backend on first use
func (a *app) backend(ctx context.Context) (*backend.Backend, error) {
	if a.b != nil {
		return a.b, nil
	}

	if err := a.cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	store, err := storage.NewLibSQL(a.cfg.Database())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store = store

	a.eng = engine.NewAPT(engine.APTOptions{Logger: a.log})

	opts := []backend.Option{
		backend.WithLogger(a.log),
		backend.WithStorage(store),
		backend.WithDialer(worker.CommandDialer(a.cfg.Worker())),
		backend.WithForeignArchitectures(a.cfg.ForeignArchitectures...),
	}
	if !a.cfg.DisableIndex {
		opts = append(opts, backend.WithIndex(searchindex.New(store.DB(), a.log)))
	}

	b := backend.New(a.eng, opts...)
	if err := b.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize package cache: %w", err)
	}
	a.b = b
	return b, nil
}

func (a *app) close() {
	log := logging.OrNop(a.log)
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn("failed to close storage", zap.Error(err))
		}
		a.store = nil
	}
	_ = log.Sync()
}
