package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/finops/costpipe/internal/domain/faults"
	"github.com/finops/costpipe/internal/domain/shared"
	"github.com/finops/costpipe/internal/domain/usage"
)

// Sink accepts batches of canonical rows for the staging table.
type Sink interface {
	InsertStagingBatch(ctx context.Context, records []usage.CanonicalRecord) error
	StagingColumns() ([]string, error)
}

// LoaderConfig holds the memory-bounding knobs of the chunked loader.
type LoaderConfig struct {
	GCEveryNChunks int
	MemoryWarnMB   uint64
}

// Loader writes canonical records into the sink one bounded chunk at a
// time. Insert failures are fatal to the run; memory pressure is not.
type Loader struct {
	sink    Sink
	logger  *zap.Logger
	tracker *faults.Tracker

	gcEvery     int
	warnBytes   uint64
	chunks      int
	rowsLoaded  int64
	rowsDropped int64
}

// NewLoader creates a new chunked loader.
func NewLoader(sink Sink, cfg LoaderConfig, logger *zap.Logger, tracker *faults.Tracker) *Loader {
	gcEvery := cfg.GCEveryNChunks
	if gcEvery <= 0 {
		gcEvery = 10
	}
	return &Loader{
		sink:      sink,
		logger:    logger,
		tracker:   tracker,
		gcEvery:   gcEvery,
		warnBytes: cfg.MemoryWarnMB * 1024 * 1024,
	}
}

// Load inserts one chunk. Rows still missing an instance id after the
// transform stage are dropped here, at the last boundary before the sink;
// they are counted and reported, never silently ignored.
func (l *Loader) Load(ctx context.Context, records []usage.CanonicalRecord) error {
	loadable := l.enforceRequiredFields(records)
	if len(loadable) == 0 {
		l.logger.Info("skipping empty chunk")
		return nil
	}

	start := time.Now()
	if err := l.sink.InsertStagingBatch(ctx, loadable); err != nil {
		l.logInsertFailure(loadable, err)
		l.tracker.Observe(faults.SinkInsert("usage_details_staging"))
		return fmt.Errorf("loader: insert chunk of %d rows: %w: %w", len(loadable), shared.ErrSinkInsertFailed, err)
	}

	l.chunks++
	l.rowsLoaded += int64(len(loadable))
	l.logger.Info("loaded chunk",
		zap.Int("rows", len(loadable)),
		zap.Int("chunk", l.chunks),
		zap.Duration("elapsed", time.Since(start)))

	if l.chunks%l.gcEvery == 0 {
		l.collectAndReport()
	}
	return nil
}

// Stats reports totals across all chunks loaded so far.
func (l *Loader) Stats() (loaded, dropped int64) {
	return l.rowsLoaded, l.rowsDropped
}

func (l *Loader) enforceRequiredFields(records []usage.CanonicalRecord) []usage.CanonicalRecord {
	kept := records[:0:0]
	for _, rec := range records {
		if !rec.HasRequiredFields() {
			l.rowsDropped++
			l.tracker.Observe(faults.MissingRequiredField("instance_id"))
			l.logger.Warn("dropping row without instance id before load")
			continue
		}
		kept = append(kept, rec)
	}
	return kept
}

// logInsertFailure dumps the attempted and target column sets so a schema
// drift shows up in the failure itself rather than needing a reproduction.
func (l *Loader) logInsertFailure(records []usage.CanonicalRecord, err error) {
	fields := []zap.Field{
		zap.Int("rows", len(records)),
		zap.Strings("attempted_columns", attemptedColumns(records[0])),
		zap.Error(err),
	}
	if target, colErr := l.sink.StagingColumns(); colErr == nil {
		fields = append(fields, zap.Strings("target_columns", target))
	} else {
		fields = append(fields, zap.NamedError("target_columns_error", colErr))
	}
	l.logger.Error("chunk insert failed", fields...)
}

func (l *Loader) collectAndReport() {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	runtime.ReadMemStats(&after)

	beforeMB := before.HeapAlloc / (1024 * 1024)
	afterMB := after.HeapAlloc / (1024 * 1024)
	l.logger.Info("forced collection",
		zap.Int("chunk", l.chunks),
		zap.Uint64("heap_before_mb", beforeMB),
		zap.Uint64("heap_after_mb", afterMB))

	if l.warnBytes > 0 && after.HeapAlloc > l.warnBytes {
		thresholdMB := l.warnBytes / (1024 * 1024)
		l.tracker.Observe(faults.MemoryPressure(afterMB, thresholdMB))
		l.logger.Warn("heap above configured threshold",
			zap.Uint64("heap_mb", afterMB),
			zap.Uint64("threshold_mb", thresholdMB))
	}
}

// attemptedColumns derives the column names a row would populate, from the
// non-nil fields of the canonical struct.
func attemptedColumns(rec usage.CanonicalRecord) []string {
	v := reflect.ValueOf(rec)
	t := v.Type()
	cols := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Ptr && field.IsNil() {
			continue
		}
		cols = append(cols, toSnakeCase(t.Field(i).Name))
	}
	return cols
}

func toSnakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && name[i-1] >= 'a' && name[i-1] <= 'z' {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
