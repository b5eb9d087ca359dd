package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/finops/costpipe/internal/domain/usage"
)

// Config holds the downstream forwarder settings.
type Config struct {
	Enabled  bool
	Endpoint string
	Timeout  time.Duration
}

// batchEnvelope is the wire shape the downstream collector expects.
type batchEnvelope struct {
	Month   string                  `json:"month"`
	Count   int                     `json:"count"`
	Records []usage.CanonicalRecord `json:"records"`
}

// Forwarder pushes canonical record batches to a downstream HTTP collector
// as JSON. Forwarding is best-effort: a failed push is reported to the
// caller but the pipeline run itself is not aborted by it.
type Forwarder struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewForwarder creates a new downstream forwarder.
func NewForwarder(cfg Config, logger *zap.Logger) (*Forwarder, error) {
	if cfg.Enabled && cfg.Endpoint == "" {
		return nil, errors.New("ingest: endpoint is required when forwarding is enabled")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Enabled reports whether forwarding is switched on.
func (f *Forwarder) Enabled() bool {
	return f.config.Enabled
}

// Forward posts one batch of canonical records for a month. Disabled
// forwarders and empty batches are no-ops.
func (f *Forwarder) Forward(ctx context.Context, month time.Time, records []usage.CanonicalRecord) error {
	if !f.config.Enabled || len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(batchEnvelope{
		Month:   month.Format("2006-01"),
		Count:   len(records),
		Records: records,
	})
	if err != nil {
		return fmt.Errorf("ingest: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ingest: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ingest: post batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ingest: downstream returned status %d", resp.StatusCode)
	}

	f.logger.Debug("forwarded batch downstream",
		zap.String("month", month.Format("2006-01")),
		zap.Int("records", len(records)))
	return nil
}
