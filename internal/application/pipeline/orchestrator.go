package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finops/costpipe/internal/domain/faults"
	"github.com/finops/costpipe/internal/domain/shared"
	"github.com/finops/costpipe/internal/domain/tagging"
	"github.com/finops/costpipe/internal/domain/usage"
	"github.com/finops/costpipe/internal/infrastructure/billingapi"
)

// PageFetcher retrieves one page of raw usage records for a month.
type PageFetcher interface {
	FetchPage(ctx context.Context, month time.Time, cursor string) (*billingapi.Page, error)
}

// UsageStore is the sink-side surface the orchestrator drives around the
// loader: month cleanup, audit appends, and the fact refresh.
type UsageStore interface {
	DeleteStagingMonth(ctx context.Context, month time.Time) error
	InsertAuditBatch(ctx context.Context, month time.Time, entries []tagging.AuditEntry) error
	RefreshFactForMonth(ctx context.Context, month time.Time) (int64, error)
}

// Forwarder pushes canonical batches to a downstream consumer.
type Forwarder interface {
	Enabled() bool
	Forward(ctx context.Context, month time.Time, records []usage.CanonicalRecord) error
}

// Config holds the orchestrator's pacing and retry settings.
type Config struct {
	ChunkSize            int
	MonthRetryDelay      time.Duration
	MaxMonthFetchRetries int
	PagePacingDelay      time.Duration
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 5000
	}
	if c.MonthRetryDelay <= 0 {
		c.MonthRetryDelay = 30 * time.Second
	}
	if c.MaxMonthFetchRetries <= 0 {
		c.MaxMonthFetchRetries = 5
	}
	if c.PagePacingDelay <= 0 {
		c.PagePacingDelay = 100 * time.Millisecond
	}
}

// Params is one pipeline invocation: an inclusive month range plus an
// optional chunk-size override.
type Params struct {
	StartDate time.Time
	EndDate   time.Time
	BatchSize int
}

// RunReport summarizes a completed run for the caller.
type RunReport struct {
	MonthsProcessed int
	MonthsSkipped   int
	RowsLoaded      int64
	RowsDropped     int64
	FactRows        int64
	Faults          faults.Snapshot
}

// Orchestrator drives the pipeline month by month: fetch all pages for a
// month, then transform, tag, and load it in bounded chunks before moving
// on. Execution is deliberately sequential to respect upstream rate limits
// and keep memory bounded.
type Orchestrator struct {
	fetcher     PageFetcher
	transformer *usage.Transformer
	engine      *tagging.Engine
	cache       *tagging.Cache
	source      tagging.Source
	loader      *Loader
	store       UsageStore
	forwarder   Forwarder
	logger      *zap.Logger
	tracker     *faults.Tracker
	config      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates a new pipeline orchestrator.
func NewOrchestrator(
	fetcher PageFetcher,
	transformer *usage.Transformer,
	engine *tagging.Engine,
	cache *tagging.Cache,
	source tagging.Source,
	loader *Loader,
	store UsageStore,
	forwarder Forwarder,
	config Config,
	logger *zap.Logger,
	tracker *faults.Tracker,
) *Orchestrator {
	config.applyDefaults()
	return &Orchestrator{
		fetcher:     fetcher,
		transformer: transformer,
		engine:      engine,
		cache:       cache,
		source:      source,
		loader:      loader,
		store:       store,
		forwarder:   forwarder,
		config:      config,
		logger:      logger,
		tracker:     tracker,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Run processes every calendar month in [StartDate, EndDate], inclusive.
// A month is fully extracted, transformed, tagged, and loaded before the
// next one begins. The returned report is valid even on error, up to the
// point of failure.
func (o *Orchestrator) Run(ctx context.Context, params Params) (*RunReport, error) {
	if params.StartDate.IsZero() || params.EndDate.IsZero() {
		return nil, fmt.Errorf("orchestrator: %w: start and end dates are required", shared.ErrInvalidInput)
	}
	if params.EndDate.Before(params.StartDate) {
		return nil, fmt.Errorf("orchestrator: %w: end date before start date", shared.ErrInvalidInput)
	}
	chunkSize := o.config.ChunkSize
	if params.BatchSize > 0 {
		chunkSize = params.BatchSize
	}

	report := &RunReport{}
	firstMonth := monthOf(params.StartDate)
	lastMonth := monthOf(params.EndDate)

	for month := firstMonth; !month.After(lastMonth); month = month.AddDate(0, 1, 0) {
		o.refreshPatterns(ctx)

		o.logger.Info("processing month", zap.String("month", month.Format("2006-01")))
		raw, err := o.fetchMonthWithRetries(ctx, month, params.EndDate)
		if err != nil {
			return o.finish(report), fmt.Errorf("orchestrator: month %s: %w", month.Format("2006-01"), err)
		}
		if len(raw) == 0 {
			report.MonthsSkipped++
			continue
		}

		if err := o.processMonth(ctx, month, raw, chunkSize, report); err != nil {
			return o.finish(report), fmt.Errorf("orchestrator: month %s: %w", month.Format("2006-01"), err)
		}
		report.MonthsProcessed++
	}

	return o.finish(report), nil
}

func (o *Orchestrator) finish(report *RunReport) *RunReport {
	report.RowsLoaded, report.RowsDropped = o.loader.Stats()
	report.Faults = o.tracker.Snapshot()
	return report
}

// refreshPatterns reloads the pattern set when its TTL has lapsed. A failed
// reload keeps the stale set in place; tagging with yesterday's patterns
// beats tagging with none.
func (o *Orchestrator) refreshPatterns(ctx context.Context) {
	if !o.cache.Stale() {
		return
	}
	if err := o.cache.Refresh(ctx, o.source); err != nil {
		o.logger.Warn("pattern refresh failed, reusing cached set", zap.Error(err))
	}
}

// fetchMonthWithRetries retries the whole month when its first page comes
// back empty. An empty current calendar month is not an error: billing data
// for an in-progress month may simply not exist yet.
func (o *Orchestrator) fetchMonthWithRetries(ctx context.Context, month, end time.Time) ([]usage.RawRecord, error) {
	for attempt := 1; attempt <= o.config.MaxMonthFetchRetries; attempt++ {
		records, err := o.fetchMonth(ctx, month, end)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records, nil
		}
		if attempt < o.config.MaxMonthFetchRetries {
			o.logger.Warn("month returned no records, retrying",
				zap.String("month", month.Format("2006-01")),
				zap.Int("attempt", attempt),
				zap.Duration("delay", o.config.MonthRetryDelay))
			if err := o.sleep(ctx, o.config.MonthRetryDelay); err != nil {
				return nil, err
			}
		}
	}

	if monthOf(o.now()).Equal(month) {
		o.logger.Info("no data yet for current month, continuing",
			zap.String("month", month.Format("2006-01")))
		return nil, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", shared.ErrMonthExhausted, o.config.MaxMonthFetchRetries)
}

// fetchMonth follows the cursor chain for one month. It stops at the end of
// pagination, at a trailing empty page, or when a record's date overruns the
// requested end date.
func (o *Orchestrator) fetchMonth(ctx context.Context, month, end time.Time) ([]usage.RawRecord, error) {
	var records []usage.RawRecord
	cursor := ""
	for pageNum := 1; ; pageNum++ {
		page, err := o.fetcher.FetchPage(ctx, month, cursor)
		if err != nil {
			return nil, err
		}
		if len(page.Records) == 0 {
			if cursor == "" {
				// an empty first page is a whole-month failure, decided upstream
				return nil, nil
			}
			break
		}
		records = append(records, page.Records...)
		o.logger.Debug("fetched page",
			zap.String("month", month.Format("2006-01")),
			zap.Int("page", pageNum),
			zap.Int("records", len(page.Records)))

		if o.overrunsBoundary(page.Records, end) {
			o.logger.Info("record date past requested end, stopping pagination early",
				zap.String("month", month.Format("2006-01")),
				zap.Int("page", pageNum))
			break
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		if err := o.sleep(ctx, o.config.PagePacingDelay); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (o *Orchestrator) overrunsBoundary(records []usage.RawRecord, end time.Time) bool {
	if end.IsZero() {
		return false
	}
	boundary := end.AddDate(0, 0, 1)
	for _, raw := range records {
		if d := raw.Date(); d != nil && !d.Before(boundary) {
			return true
		}
	}
	return false
}

// processMonth runs the transform → tag → load flow over one month's raw
// records in bounded chunks, then rebuilds the month's fact rows. Chunk
// boundaries never change a tagging decision; they exist only to cap memory.
func (o *Orchestrator) processMonth(ctx context.Context, month time.Time, raw []usage.RawRecord, chunkSize int, report *RunReport) error {
	if err := o.store.DeleteStagingMonth(ctx, month); err != nil {
		return err
	}

	patterns := o.cache.Patterns()
	if len(patterns) == 0 {
		o.logger.Warn("no tagging patterns available, records will load untagged")
	}

	for start := 0; start < len(raw); start += chunkSize {
		stop := start + chunkSize
		if stop > len(raw) {
			stop = len(raw)
		}

		canonical := o.transformer.Transform(raw[start:stop])
		tags, audit := o.engine.Apply(canonical, patterns)
		for i := range canonical {
			canonical[i].Tag = tags[i]
		}

		if err := o.loader.Load(ctx, canonical); err != nil {
			return err
		}
		if err := o.store.InsertAuditBatch(ctx, month, audit); err != nil {
			return fmt.Errorf("audit insert: %w", err)
		}
		if o.forwarder != nil && o.forwarder.Enabled() {
			if err := o.forwarder.Forward(ctx, month, canonical); err != nil {
				// forwarding is best-effort; the run is not aborted for it
				o.logger.Warn("downstream forward failed", zap.Error(err))
			}
		}
	}

	factRows, err := o.store.RefreshFactForMonth(ctx, month)
	if err != nil {
		return err
	}
	report.FactRows += factRows
	return nil
}

func monthOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsNoDataError reports whether err is the month-exhaustion failure, for
// callers that want to distinguish "upstream had nothing" from hard faults.
func IsNoDataError(err error) bool {
	return errors.Is(err, shared.ErrMonthExhausted)
}
