package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpattn/urbanimport/internal/config"
	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/ingestion"
	"github.com/rpattn/urbanimport/internal/middleware"
	"github.com/rpattn/urbanimport/pkg/validator"
)

type importOptions struct {
	file        string
	entity      string
	dryRun      bool
	batchSize   int
	threshold   float64
	sheet       string
	headerRow   int
	report      string
	metricsAddr string
}

func newImportCmd(a *app) *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:     "import",
		Aliases: []string{"run"},
		Short:   "Validate, match and write the rows of one spreadsheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer func() { _ = a.close() }()
			if opts.file == "" && len(args) == 1 {
				opts.file = args[0]
			}
			if opts.file == "" {
				return withCode(exitUsage, errors.New("--file is required"))
			}
			cfg, err := buildImportConfig(a.cfg, opts, cmd.Flags().Changed)
			if err != nil {
				return withCode(exitUsage, err)
			}
			return runImport(cmd.Context(), a, cmd, cfg, opts)
		},
		Args: cobra.MaximumNArgs(1),
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "File to import (.xlsx, .xls, .ods, .csv, .json or .geojson)")
	cmd.Flags().StringVarP(&opts.entity, "entity", "e", "", "Entity type to import into (default: import.entity or the only configured entity)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Validate and match without writing")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Rows per transaction")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Name+proximity match radius in meters")
	cmd.Flags().StringVar(&opts.sheet, "sheet", "", "Sheet to read (default: first sheet)")
	cmd.Flags().IntVar(&opts.headerRow, "header-row", 0, "1-based header row (default: first non-blank row)")
	cmd.Flags().StringVar(&opts.report, "report", "", "Write the JSON report to this file instead of stdout")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while importing")

	return cmd
}

// buildImportConfig merges configured defaults with the flags the user set.
func buildImportConfig(cfg config.Config, opts importOptions, changed func(string) bool) (ingestion.Config, error) {
	imp := cfg.Import

	entity := imp.Entity
	if changed("entity") {
		entity = opts.entity
	}
	if entity == "" && len(cfg.Entities) == 1 {
		entity = cfg.Entities[0].Name
	}
	if entity == "" {
		return ingestion.Config{}, fmt.Errorf("--entity is required when several entities are configured")
	}
	entityCfg, ok := cfg.Entity(entity)
	if !ok {
		names := make([]string, 0, len(cfg.Entities))
		for _, e := range cfg.Entities {
			names = append(names, e.Name)
		}
		return ingestion.Config{}, fmt.Errorf("unknown entity %q (configured: %s)", entity, strings.Join(names, ", "))
	}

	tolerance := imp.CoordinateTolerance
	out := ingestion.Config{
		Entity:           entityCfg.Name,
		BatchSize:        imp.BatchSize,
		Threshold:        imp.AmbiguityDistanceThreshold,
		Tolerance:        &tolerance,
		DryRun:           imp.DryRun,
		Sheet:            imp.Sheet,
		HeaderRow:        imp.HeaderRow,
		QueueSize:        imp.QueueSize,
		BatchTimeout:     imp.BatchTimeout,
		SkipSchemaVerify: !imp.VerifySchema,
		LookupLimit:      imp.LookupLimit,
		Names:            imp.Names,
		Validator: validator.Options{
			Latitude:   imp.Latitude,
			Longitude:  imp.Longitude,
			Columns:    entityCfg.Columns,
			Defaults:   entityCfg.Defaults,
			Properties: entityCfg.Properties,
			TrueWords:  imp.TrueWords,
			FalseWords: imp.FalseWords,
		},
	}
	if len(imp.Envelope) == 4 {
		out.Validator.Envelope = &orb.Bound{
			Min: orb.Point{imp.Envelope[0], imp.Envelope[1]},
			Max: orb.Point{imp.Envelope[2], imp.Envelope[3]},
		}
	}

	if changed("dry-run") {
		out.DryRun = opts.dryRun
	}
	if changed("batch-size") {
		out.BatchSize = opts.batchSize
	}
	if changed("threshold") {
		out.Threshold = opts.threshold
	}
	if changed("sheet") {
		out.Sheet = opts.sheet
	}
	if changed("header-row") {
		out.HeaderRow = opts.headerRow
	}
	return out, nil
}

func runImport(ctx context.Context, a *app, cmd *cobra.Command, cfg ingestion.Config, opts importOptions) error {
	if opts.metricsAddr != "" {
		stop := serveMetrics(opts.metricsAddr, a.log.WithField("stage", "metrics"))
		defer stop()
	}

	svc, _, err := a.connect(ctx)
	if err != nil {
		return err
	}

	report, runErr := svc.Run(ctx, opts.file, cfg)
	if report != nil {
		if err := writeOutput(cmd.OutOrStdout(), opts.report, report); err != nil {
			return withCode(exitInput, err)
		}
	}
	if runErr != nil {
		return withCode(importExitCode(runErr), runErr)
	}
	if reportHasProblems(report) {
		return withCode(exitValidation, fmt.Errorf(
			"%d of %d rows were not written (rejected %d, ambiguous %d, failed %d)",
			report.Rejected+report.SkippedAmbiguous+report.Failed, report.TotalRows,
			report.Rejected, report.SkippedAmbiguous, report.Failed,
		))
	}
	return nil
}

func reportHasProblems(report *domain.ImportReport) bool {
	return report.Rejected > 0 || report.SkippedAmbiguous > 0 || report.Failed > 0
}

// serveMetrics exposes the default Prometheus registry until stop is called.
func serveMetrics(addr string, log *logrus.Entry) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           middleware.LoggingMiddleware(log)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server forced to shutdown")
		}
	}
}
