package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/finops/costpipe/internal/application/pipeline"
	"github.com/finops/costpipe/internal/domain/faults"
	"github.com/finops/costpipe/internal/domain/tagging"
	"github.com/finops/costpipe/internal/domain/usage"
	"github.com/finops/costpipe/internal/infrastructure/billingapi"
	"github.com/finops/costpipe/internal/infrastructure/config"
	"github.com/finops/costpipe/internal/infrastructure/ingest"
	"github.com/finops/costpipe/internal/infrastructure/logger"
	"github.com/finops/costpipe/internal/infrastructure/persistence"
)

const dateLayout = "2006-01-02"

func main() {
	var (
		startFlag string
		endFlag   string
		batchSize int
	)
	flag.StringVar(&startFlag, "start", "", "start date of the range, YYYY-MM-DD (required)")
	flag.StringVar(&endFlag, "end", "", "end date of the range, YYYY-MM-DD (required)")
	flag.IntVar(&batchSize, "batch-size", 0, "records per chunk (overrides pipeline.chunk_size)")
	flag.Parse()

	if startFlag == "" || endFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: pipeline -start YYYY-MM-DD -end YYYY-MM-DD [-batch-size N]")
		os.Exit(2)
	}
	start, err := time.Parse(dateLayout, startFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -start date %q: %v\n", startFlag, err)
		os.Exit(2)
	}
	end, err := time.Parse(dateLayout, endFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -end date %q: %v\n", endFlag, err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	if err := run(context.Background(), cfg, log, start, end, batchSize); err != nil {
		log.Fatal("pipeline run failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, start, end time.Time, batchSize int) error {
	db, err := persistence.NewDatabaseWithCustomLogger(
		&cfg.Database,
		logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level)),
	)
	if err != nil {
		return fmt.Errorf("connect to analytical store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("closing database", zap.Error(err))
		}
	}()

	tracker := faults.NewTracker(cfg.Pipeline.FaultHistoryLimit)

	client, err := billingapi.NewClient(&billingapi.Config{
		BaseURL:          cfg.BillingAPI.BaseURL,
		EnrollmentNumber: cfg.BillingAPI.EnrollmentNumber,
		BearerToken:      cfg.BillingAPI.BearerToken,
		Timeout:          cfg.BillingAPI.Timeout,
		MaxRetries:       cfg.BillingAPI.MaxRetries,
		RetryBaseDelay:   cfg.BillingAPI.RetryBaseDelay,
		RetryMaxDelay:    cfg.BillingAPI.RetryMaxDelay,
	}, log.Named("billingapi"), tracker)
	if err != nil {
		return fmt.Errorf("create billing API client: %w", err)
	}

	forwarder, err := ingest.NewForwarder(ingest.Config{
		Enabled:  cfg.Ingest.Enabled,
		Endpoint: cfg.Ingest.Endpoint,
		Timeout:  cfg.Ingest.Timeout,
	}, log.Named("ingest"))
	if err != nil {
		return fmt.Errorf("create downstream forwarder: %w", err)
	}

	repo := persistence.NewUsageRepository(db.DB, cfg.Pipeline.ChunkSize, log.Named("persistence"))
	loader := pipeline.NewLoader(repo, pipeline.LoaderConfig{
		GCEveryNChunks: cfg.Pipeline.GCEveryNChunks,
		MemoryWarnMB:   cfg.Pipeline.MemoryWarnMB,
	}, log.Named("loader"), tracker)

	orchestrator := pipeline.NewOrchestrator(
		client,
		usage.NewTransformer(log.Named("transform"), tracker),
		tagging.NewEngine(log.Named("tagging"), cfg.Pipeline.TaggingSliceSize),
		tagging.NewCache(cfg.Pipeline.PatternTTL),
		persistence.NewPatternRepository(db.DB),
		loader,
		repo,
		forwarder,
		pipeline.Config{
			ChunkSize:            cfg.Pipeline.ChunkSize,
			MonthRetryDelay:      cfg.Pipeline.MonthRetryDelay,
			MaxMonthFetchRetries: cfg.Pipeline.MaxMonthFetchRetries,
			PagePacingDelay:      cfg.BillingAPI.PagePacingDelay,
		},
		log.Named("orchestrator"),
		tracker,
	)

	report, err := orchestrator.Run(ctx, pipeline.Params{
		StartDate: start,
		EndDate:   end,
		BatchSize: batchSize,
	})
	if report != nil {
		logReport(log, report)
	}
	return err
}

func logReport(log *zap.Logger, report *pipeline.RunReport) {
	log.Info("run summary",
		zap.Int("months_processed", report.MonthsProcessed),
		zap.Int("months_skipped", report.MonthsSkipped),
		zap.Int64("rows_loaded", report.RowsLoaded),
		zap.Int64("rows_dropped", report.RowsDropped),
		zap.Int64("fact_rows", report.FactRows),
		zap.Int("faults_observed", report.Faults.Total))

	for key, count := range report.Faults.Counts {
		log.Info("fault count",
			zap.String("kind", string(key.Kind)),
			zap.String("severity", string(key.Severity)),
			zap.Int("count", count))
	}
}
