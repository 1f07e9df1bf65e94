package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpattn/urbanimport/internal/config"
	"github.com/rpattn/urbanimport/internal/db"
	"github.com/rpattn/urbanimport/internal/ingestion"
	"github.com/rpattn/urbanimport/internal/repository"
)

type app struct {
	configDir string
	verbose   bool
	logFile   string

	cfg     config.Config
	log     *logrus.Entry
	closers []func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "urbanimport",
		Short:         "Import urban object spreadsheets into PostGIS tables",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&a.configDir, "config", "", "Directory holding config.yaml (default: current directory)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log every row outcome")
	cmd.PersistentFlags().StringVar(&a.logFile, "log-file", "", "Also append logs to this file")

	cmd.AddCommand(newImportCmd(a))
	cmd.AddCommand(newCatalogCmd(a))
	cmd.AddCommand(newInspectCmd(a))
	cmd.AddCommand(newMigrateCmd(a))
	return cmd
}

func (a *app) setup(stderr io.Writer) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return withCode(exitUsage, fmt.Errorf("load .env: %w", err))
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	logger.SetOutput(stderr)
	logger.SetLevel(logrus.InfoLevel)
	if a.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	if a.logFile != "" {
		f, err := os.OpenFile(a.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return withCode(exitUsage, fmt.Errorf("open log file: %w", err))
		}
		a.closers = append(a.closers, f.Close)
		logger.SetOutput(io.MultiWriter(stderr, f))
	}
	a.log = logrus.NewEntry(logger)

	cfg, err := config.Load(a.configDir)
	if err != nil {
		return withCode(exitUsage, err)
	}
	a.cfg = cfg
	a.log.WithField("source", cfg.Source).Debug("configuration loaded")
	return nil
}

// close releases the database pool and log file opened for a command.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// connect opens the database and wires the ingestion service on it.
func (a *app) connect(ctx context.Context) (*ingestion.Service, *db.Connection, error) {
	conn, err := db.NewConnection(ctx, a.cfg.Database, a.log.WithField("stage", "connect"))
	if err != nil {
		return nil, nil, withCode(exitDB, err)
	}
	a.closers = append(a.closers, func() error {
		conn.Close()
		return nil
	})

	var issues repository.IngestionLogRepository
	if a.cfg.Import.IssueTable != "" {
		issues = repository.NewIngestionLogRepository(conn, a.cfg.Import.IssueTable)
	}

	svc := ingestion.NewService(
		repository.NewCatalogRepository(conn),
		repository.NewEntityRepository(conn),
		repository.NewTxRunner(conn),
		issues,
		ingestion.WithLogger(a.log),
		ingestion.WithEntities(a.cfg.Definitions()...),
	)
	return svc, conn, nil
}

// queryContext bounds one-off catalog queries by import.query_timeout.
func (a *app) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Import.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.Import.QueryTimeout)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
