package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/entityloader"
	"github.com/rpattn/urbanimport/internal/matching"
	"github.com/rpattn/urbanimport/internal/repository"
	"github.com/rpattn/urbanimport/internal/schema"
	"github.com/rpattn/urbanimport/internal/spreadsheet"
	"github.com/rpattn/urbanimport/pkg/validator"
)

// Service imports spreadsheet rows into configured entity tables.
type Service struct {
	catalogRepo repository.CatalogRepository
	entityRepo  repository.EntityRepository
	txRunner    repository.TxRunner
	logRepo     repository.IngestionLogRepository

	definitions []schema.EntityDefinition
	log         *logrus.Entry
	now         func() time.Time
	newRunID    func() uuid.UUID
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithEntities registers the entity types the service may import into.
func WithEntities(defs ...schema.EntityDefinition) Option {
	return func(s *Service) { s.definitions = append(s.definitions, defs...) }
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new ingestion service. logRepo may be nil, in which
// case row issues are only reported.
func NewService(
	catalogRepo repository.CatalogRepository,
	entityRepo repository.EntityRepository,
	txRunner repository.TxRunner,
	logRepo repository.IngestionLogRepository,
	opts ...Option,
) *Service {
	s := &Service{
		catalogRepo: catalogRepo,
		entityRepo:  entityRepo,
		txRunner:    txRunner,
		logRepo:     logRepo,
		log:         logrusNop(),
		now:         time.Now,
		newRunID:    uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog loads the catalog of every registered entity type.
func (s *Service) Catalog(ctx context.Context, lookupLimit int) (*schema.Schema, error) {
	if err := s.txRunner.Ping(ctx); err != nil {
		return nil, stageError(StageConnect, "", err)
	}
	catalog, err := schema.Load(ctx, s.catalogRepo, s.definitions, schema.LoadOptions{LookupLimit: lookupLimit})
	if err != nil {
		return nil, stageError(StageCatalog, "", err)
	}
	return catalog, nil
}

func (s *Service) definition(name string) (schema.EntityDefinition, bool) {
	for _, def := range s.definitions {
		if strings.EqualFold(def.Name, name) {
			return def, true
		}
	}
	return schema.EntityDefinition{}, false
}

// Run imports one spreadsheet file.
//
// Fatal errors before any batch completed return a nil report. Fatal errors
// after that return the partial report with Aborted set. Cancellation
// returns the partial report with Cancelled set and an error wrapping the
// context error; batches committed before it stay committed.
func (s *Service) Run(ctx context.Context, path string, cfg Config) (*domain.ImportReport, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, stageError(StageConfig, path, err)
	}
	def, ok := s.definition(cfg.Entity)
	if !ok {
		return nil, stageError(StageConfig, path, fmt.Errorf("%w: %s", schema.ErrUnknownEntity, cfg.Entity))
	}

	runID := s.newRunID()
	log := s.log.WithFields(logrus.Fields{
		"run_id": runID.String(),
		"entity": def.Name,
		"source": path,
	})

	if err := s.txRunner.Ping(ctx); err != nil {
		return nil, stageError(StageConnect, path, err)
	}
	catalog, err := schema.Load(ctx, s.catalogRepo, []schema.EntityDefinition{def}, schema.LoadOptions{LookupLimit: cfg.LookupLimit})
	if err != nil {
		return nil, stageError(StageCatalog, path, err)
	}
	et, err := catalog.EntityType(def.Name)
	if err != nil {
		return nil, stageError(StageCatalog, path, err)
	}

	reader, err := spreadsheet.Open(path, spreadsheet.Options{Sheet: cfg.Sheet, HeaderRow: cfg.HeaderRow})
	if err != nil {
		return nil, stageError(StageOpen, path, err)
	}
	defer func() {
		if cerr := reader.Close(); cerr != nil {
			log.WithError(cerr).Warn("failed to close spreadsheet")
		}
	}()

	binding, err := validator.New(cfg.Validator).Bind(reader.Header(), et)
	if err != nil {
		return nil, stageError(StageHeader, path, err)
	}
	if len(binding.Unmapped) > 0 {
		log.WithField("headers", binding.Unmapped).Warn("ignoring headers that match no column")
	}

	report := domain.NewImportReport(runID, path, et.Name, cfg.DryRun, s.now())
	report.Format = string(reader.Format())
	report.Sheet = reader.Sheet()

	var committer Committer = NewTxCommitter(s.txRunner, cfg.BatchTimeout)
	if cfg.DryRun {
		committer = DryRunCommitter{}
	}

	r := &run{
		svc:       s,
		cfg:       cfg,
		catalog:   catalog,
		et:        et,
		binding:   binding,
		reader:    reader,
		matcher:   matching.New(et, matching.Options{Threshold: cfg.Threshold, Tolerance: *cfg.Tolerance, Names: cfg.Names}),
		committer: committer,
		report:    report,
		log:       log,
		metrics:   getMetrics(),
	}

	log.WithFields(logrus.Fields{
		"format":     report.Format,
		"sheet":      report.Sheet,
		"batch_size": cfg.BatchSize,
		"dry_run":    cfg.DryRun,
	}).Info("import started")

	err = r.execute(ctx)
	return r.finish(ctx, err)
}

// item is one sheet row on its way from the reader to the consumer.
type item struct {
	row      int
	record   domain.ValidatedRecord
	rejected *domain.RejectedRow
}

type run struct {
	svc       *Service
	cfg       Config
	catalog   *schema.Schema
	et        *schema.EntityType
	binding   *validator.Binding
	reader    *spreadsheet.Reader
	matcher   *matching.Matcher
	committer Committer
	report    *domain.ImportReport
	log       *logrus.Entry
	metrics   *metrics

	// completed counts batches that finished without rolling back.
	completed int
}

// execute streams validated rows from a producer goroutine into batches
// processed strictly in input order.
func (r *run) execute(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	items := make(chan item, r.cfg.QueueSize)

	g.Go(func() error {
		defer close(items)
		for r.reader.Next(gctx) {
			raw := r.reader.Row()
			it := item{row: raw.Index}
			rec, rejected := r.binding.Validate(raw)
			if rejected != nil {
				it.rejected = rejected
			} else {
				it.record = rec
			}
			select {
			case items <- it:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		if err := r.reader.Err(); err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return stageError(StageRead, r.report.Source, err)
		}
		return nil
	})

	g.Go(func() error {
		number := 0
		for {
			batch, more := collect(gctx, items, r.cfg.BatchSize)
			if len(batch) == 0 {
				if !more {
					return nil
				}
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if gctx.Err() != nil {
				// The producer failed; its error is the run's result.
				return nil
			}
			number++
			if number > 1 && !r.cfg.SkipSchemaVerify {
				if err := schema.Verify(ctx, r.svc.catalogRepo, r.catalog); err != nil {
					return stageError(StageVerify, r.report.Source, err)
				}
			}
			r.processBatch(ctx, number, batch)
			if !more {
				return nil
			}
		}
	})

	return g.Wait()
}

// collect gathers up to size items. more is false once the channel is
// drained and closed.
func collect(ctx context.Context, items <-chan item, size int) ([]item, bool) {
	batch := make([]item, 0, size)
	for len(batch) < size {
		select {
		case it, ok := <-items:
			if !ok {
				return batch, false
			}
			batch = append(batch, it)
		case <-ctx.Done():
			return batch, false
		}
	}
	return batch, true
}

func (r *run) processBatch(ctx context.Context, number int, items []item) {
	start := time.Now()
	log := r.log.WithField("batch", number)

	results, err := r.match(ctx, items)
	var outcome BatchOutcome
	if err != nil {
		outcome = lookupFailed(number, results, err)
	} else {
		outcome = r.committer.Commit(ctx, Batch{Number: number, Entity: r.et, Results: results})
	}

	byRow := make(map[int]domain.RowDetail, len(outcome.Rows))
	for _, d := range outcome.Rows {
		byRow[d.Row] = d
	}
	var issues []domain.RowDetail
	for _, it := range items {
		detail, ok := byRow[it.row]
		if it.rejected != nil {
			detail = domain.RowDetail{Row: it.row, Outcome: domain.OutcomeRejected, Reasons: it.rejected.Reasons(), Batch: number}
		} else if !ok {
			continue
		}
		r.report.Add(detail)
		r.metrics.rowsTotal.WithLabelValues(r.et.Name, string(detail.Outcome)).Inc()
		if detail.Outcome != domain.OutcomeInserted && detail.Outcome != domain.OutcomeUpdated {
			issues = append(issues, detail)
		}
		log.WithFields(logrus.Fields{
			"row":     detail.Row,
			"outcome": detail.Outcome,
		}).Debug("row processed")
	}

	r.report.Batches++
	result := "committed"
	switch {
	case outcome.Err != nil:
		result = "failed"
		r.report.FailedBatches++
		log.WithError(outcome.Err).Warn("batch rolled back")
	case r.cfg.DryRun:
		result = "dry_run"
		r.completed++
	default:
		r.completed++
	}
	elapsed := time.Since(start)
	r.metrics.batchesTotal.WithLabelValues(r.et.Name, result).Inc()
	r.metrics.batchDuration.WithLabelValues(r.et.Name, result).Observe(elapsed.Seconds())
	log.WithFields(logrus.Fields{
		"rows":     len(items),
		"writes":   outcome.Writes,
		"result":   result,
		"duration": elapsed.String(),
	}).Info("batch processed")

	r.recordIssues(ctx, issues)
}

// match classifies the validated records of a batch. Codes are fetched in
// one query before matching.
func (r *run) match(ctx context.Context, items []item) ([]domain.MatchResult, error) {
	if r.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.BatchTimeout)
		defer cancel()
	}

	records := make([]domain.ValidatedRecord, 0, len(items))
	codes := make([]string, 0, len(items))
	for _, it := range items {
		if it.rejected != nil {
			continue
		}
		records = append(records, it.record)
		codes = append(codes, it.record.Code)
	}
	results := make([]domain.MatchResult, 0, len(records))
	for _, rec := range records {
		results = append(results, domain.MatchResult{Record: rec})
	}
	if len(records) == 0 {
		return results, nil
	}

	lookup := entityloader.NewEntityLoader(r.svc.entityRepo, r.et)
	if r.et.CodeUnique() {
		if err := lookup.Prefetch(ctx, codes); err != nil {
			return results, fmt.Errorf("prefetch codes: %w", err)
		}
	}
	batch := r.matcher.NewBatch()
	for i, rec := range records {
		res, err := batch.Match(ctx, rec, lookup)
		if err != nil {
			return results, err
		}
		results[i] = res
	}
	return results, nil
}

// lookupFailed fails every record of a batch whose matching could not finish.
func lookupFailed(number int, results []domain.MatchResult, err error) BatchOutcome {
	out := BatchOutcome{Number: number, Err: err, Rows: make([]domain.RowDetail, len(results))}
	for i, res := range results {
		out.Rows[i] = domain.RowDetail{
			Row:     res.Record.RowIndex,
			Outcome: domain.OutcomeFailed,
			Reasons: []string{fmt.Sprintf("batch %d lookup failed: %v", number, err)},
			Batch:   number,
		}
	}
	return out
}

// recordIssues stores rows that were not written, outside the data transaction.
func (r *run) recordIssues(ctx context.Context, issues []domain.RowDetail) {
	if r.svc.logRepo == nil || len(issues) == 0 || r.cfg.DryRun {
		return
	}
	now := r.svc.now()
	entries := make([]domain.IngestionLogEntry, 0, len(issues))
	for _, d := range issues {
		row := d.Row
		entries = append(entries, domain.IngestionLogEntry{
			RunID:        r.report.RunID,
			EntityType:   r.et.Name,
			FileName:     r.report.Source,
			RowNumber:    &row,
			Outcome:      d.Outcome,
			ErrorMessage: strings.Join(d.Reasons, "; "),
			CreatedAt:    now,
		})
	}
	if err := r.svc.logRepo.Record(context.WithoutCancel(ctx), entries); err != nil {
		r.log.WithError(err).Warn("failed to record import issues")
	}
}

func (r *run) finish(ctx context.Context, err error) (*domain.ImportReport, error) {
	report := r.report
	result := "ok"
	switch {
	case ctx.Err() != nil:
		result = "cancelled"
		report.Cancelled = true
		err = fmt.Errorf("import cancelled after %d batches: %w", report.Batches, context.Cause(ctx))
	case err != nil:
		if r.completed == 0 {
			r.metrics.runsTotal.WithLabelValues(r.et.Name, "aborted").Inc()
			r.log.WithError(err).Error("import aborted")
			return nil, err
		}
		result = "aborted"
		report.Aborted = err.Error()
	case report.Failed > 0 || report.Rejected > 0 || report.SkippedAmbiguous > 0:
		result = "partial"
	}

	report.Finalize(r.svc.now())
	r.metrics.runsTotal.WithLabelValues(r.et.Name, result).Inc()

	entry := r.log.WithFields(logrus.Fields{
		"result":            result,
		"total":             report.TotalRows,
		"inserted":          report.Inserted,
		"updated":           report.Updated,
		"skipped_ambiguous": report.SkippedAmbiguous,
		"rejected":          report.Rejected,
		"failed":            report.Failed,
		"batches":           report.Batches,
		"failed_batches":    report.FailedBatches,
	})
	if err != nil {
		entry.WithError(err).Error("import finished with error")
		return report, err
	}
	entry.Info("import finished")
	return report, nil
}

// IsCancelled reports whether err came from a cancelled import. Timeouts
// are not cancellations; they keep the stage of the call that timed out.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
