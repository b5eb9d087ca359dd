package faults

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
)

// Kind identifies the broad category of a pipeline error.
type Kind string

const (
	// KindTransientAPI covers timeouts, connection resets and retryable HTTP
	// statuses (429, 5xx). Retried with backoff before becoming fatal.
	KindTransientAPI Kind = "TRANSIENT_API"

	// KindPermanentAPI covers auth failures and other 4xx statuses. Never retried.
	KindPermanentAPI Kind = "PERMANENT_API"

	// KindMalformedField covers unparseable JSON, dates and numbers inside a
	// record. Recovered locally to null, processing continues.
	KindMalformedField Kind = "MALFORMED_FIELD"

	// KindMissingRequiredField covers records lacking instance_id/month_date
	// after transform. Corrected with a safe default or excluded before load.
	KindMissingRequiredField Kind = "MISSING_REQUIRED_FIELD"

	// KindSinkInsert covers batch-insert failures into the analytical store.
	// Always fatal to the current run.
	KindSinkInsert Kind = "SINK_INSERT"

	// KindMemoryPressure covers resident memory exceeding the configured
	// threshold. Logged as a warning only.
	KindMemoryPressure Kind = "MEMORY_PRESSURE"

	// KindUnknown is used when an error fits no other category.
	KindUnknown Kind = "UNKNOWN"
)

// Severity ranks how an error affects the run.
type Severity string

const (
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
	SeverityFatal   Severity = "FATAL"
)

// Record is the classification result for a single error occurrence.
// Ephemeral: produced here, consumed by the component that hit the error.
type Record struct {
	Kind      Kind
	Severity  Severity
	Retryable bool
	Context   map[string]string
}

// Classify maps an arbitrary error to a classification record.
// Network-level failures (timeouts, refused connections, DNS) are transient.
func Classify(err error) Record {
	if err == nil {
		return Record{Kind: KindUnknown, Severity: SeverityWarning, Retryable: false}
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return Record{Kind: KindTransientAPI, Severity: SeverityError, Retryable: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Record{Kind: KindTransientAPI, Severity: SeverityError, Retryable: true}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Record{Kind: KindTransientAPI, Severity: SeverityError, Retryable: true}
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return Record{Kind: KindTransientAPI, Severity: SeverityError, Retryable: true}
	}

	return Record{Kind: KindUnknown, Severity: SeverityError, Retryable: false}
}

// ClassifyStatus maps an HTTP status code to a classification record.
// 429 and the retryable 5xx family are transient; everything else in the
// 4xx range is permanent and fails immediately.
func ClassifyStatus(status int) Record {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return Record{Kind: KindTransientAPI, Severity: SeverityError, Retryable: true}
	}

	if status >= 400 && status < 500 {
		sev := SeverityError
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			sev = SeverityFatal
		}
		return Record{Kind: KindPermanentAPI, Severity: sev, Retryable: false}
	}

	if status >= 500 {
		return Record{Kind: KindTransientAPI, Severity: SeverityError, Retryable: true}
	}

	return Record{Kind: KindUnknown, Severity: SeverityWarning, Retryable: false}
}

// MalformedField builds a warning record for a field that failed to parse.
func MalformedField(field, reason string) Record {
	return Record{
		Kind:      KindMalformedField,
		Severity:  SeverityWarning,
		Retryable: false,
		Context:   map[string]string{"field": field, "reason": reason},
	}
}

// MissingRequiredField builds a warning record for a required field that was
// absent after transform.
func MissingRequiredField(field string) Record {
	return Record{
		Kind:      KindMissingRequiredField,
		Severity:  SeverityWarning,
		Retryable: false,
		Context:   map[string]string{"field": field},
	}
}

// SinkInsert builds a fatal record for a failed batch insert.
func SinkInsert(table string) Record {
	return Record{
		Kind:      KindSinkInsert,
		Severity:  SeverityFatal,
		Retryable: false,
		Context:   map[string]string{"table": table},
	}
}

// MemoryPressure builds a warning record for resident memory above threshold.
func MemoryPressure(residentMB, thresholdMB uint64) Record {
	return Record{
		Kind:      KindMemoryPressure,
		Severity:  SeverityWarning,
		Retryable: false,
		Context: map[string]string{
			"resident_mb":  strconv.FormatUint(residentMB, 10),
			"threshold_mb": strconv.FormatUint(thresholdMB, 10),
		},
	}
}
