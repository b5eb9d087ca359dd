package billingapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/finops/costpipe/internal/domain/faults"
	"github.com/finops/costpipe/internal/domain/usage"
)

// maxResponseSize is the maximum allowed response size from the billing API (50MB)
const maxResponseSize = 50 * 1024 * 1024

// billingPeriodLayout is the month segment of the usage details endpoint.
const billingPeriodLayout = "2006-01"

// Config holds the billing API client settings.
type Config struct {
	BaseURL          string
	EnrollmentNumber string
	BearerToken      string
	Timeout          time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("billingapi: base URL is required")
	}
	if c.EnrollmentNumber == "" {
		return errors.New("billingapi: enrollment number is required")
	}
	if c.BearerToken == "" {
		return errors.New("billingapi: bearer token is required")
	}
	return nil
}

// Page is one page of usage detail rows plus the continuation cursor.
// An empty NextCursor signals the end of pagination for the month.
type Page struct {
	Records    []usage.RawRecord
	NextCursor string
}

// APIError carries the status and body of a failed billing API response.
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("billing API returned status %d: %s", e.StatusCode, e.Body)
}

// Client retrieves usage detail pages from the metered billing API. Auth and
// content headers are fixed per instance; the client keeps no state across
// calls beyond the retry counter inside a single FetchPage.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
	tracker    *faults.Tracker
}

// NewClient creates a billing API client.
func NewClient(config *Config, logger *zap.Logger, tracker *faults.Tracker) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tracker:    tracker,
	}, nil
}

// FetchPage retrieves one page of usage details for the month. The first
// call for a month passes an empty cursor and targets the month's base
// endpoint; subsequent calls pass the previous page's cursor, which already
// encodes all query state and is used verbatim.
//
// Transient failures (connection errors, timeouts, 429/5xx) are retried up
// to MaxRetries with exponential backoff and jitter; permanent API errors
// (401/403/404, other 4xx) are returned immediately. The error from the last
// attempt is returned when retries are exhausted.
func (c *Client) FetchPage(ctx context.Context, month time.Time, cursor string) (*Page, error) {
	pageURL := cursor
	if pageURL == "" {
		pageURL = fmt.Sprintf("%s/%s/billingPeriods/%s/usagedetails",
			c.config.BaseURL, c.config.EnrollmentNumber, month.Format(billingPeriodLayout))
	}

	var page *Page
	attempt := 0
	operation := func() error {
		attempt++
		fetched, err := c.fetchOnce(ctx, pageURL)
		if err == nil {
			page = fetched
			return nil
		}

		rec := c.classify(err)
		if c.tracker != nil {
			c.tracker.Observe(rec)
		}
		if !rec.Retryable {
			c.logger.Error("Permanent billing API failure",
				zap.String("url", pageURL),
				zap.Int("attempt", attempt),
				zap.String("kind", string(rec.Kind)),
				zap.Error(err))
			return backoff.Permanent(err)
		}
		c.logger.Warn("Transient billing API failure, will retry",
			zap.String("url", pageURL),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		return nil, fmt.Errorf("billingapi: fetch page failed after %d attempts: %w", attempt, err)
	}

	c.logger.Debug("Fetched usage page",
		zap.String("month", month.Format(billingPeriodLayout)),
		zap.Int("records", len(page.Records)),
		zap.Bool("has_next", page.NextCursor != ""))
	return page, nil
}

// newBackOff builds the retry policy: delay doubles from the base, jittered
// ±25%, floored at 100ms and capped at the max delay.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.RetryBaseDelay
	if policy.InitialInterval < 100*time.Millisecond {
		policy.InitialInterval = 100 * time.Millisecond
	}
	policy.MaxInterval = c.config.RetryMaxDelay
	if policy.MaxInterval == 0 {
		policy.MaxInterval = 60 * time.Second
	}
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.25
	policy.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	maxRetries := c.config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)
}

// fetchOnce performs a single HTTP GET against the page URL.
func (c *Client) fetchOnce(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}

	return decodePage(body)
}

// pageEnvelope covers both response variants the API serves.
type pageEnvelope struct {
	Value    []usage.RawRecord `json:"value"`
	Content  []usage.RawRecord `json:"content"`
	NextLink string            `json:"nextLink"`
}

func decodePage(body []byte) (*Page, error) {
	var envelope pageEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	records := envelope.Value
	if records == nil {
		records = envelope.Content
	}
	return &Page{Records: records, NextCursor: envelope.NextLink}, nil
}

// classify maps a fetch error to its fault record. Status-bearing errors
// classify by status; everything else (dial, timeout) by error shape.
func (c *Client) classify(err error) faults.Record {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return faults.ClassifyStatus(apiErr.StatusCode)
	}
	return faults.Classify(err)
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
