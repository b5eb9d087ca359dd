package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finops/costpipe/internal/domain/usage"
)

func recordsFixture() []usage.CanonicalRecord {
	id := "/subscriptions/s/vm-a"
	return []usage.CanonicalRecord{{InstanceID: &id}}
}

func TestForwarder_Forward(t *testing.T) {
	month := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("posts the batch envelope", func(t *testing.T) {
		var got batchEnvelope
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, &got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		f, err := NewForwarder(Config{Enabled: true, Endpoint: server.URL}, zap.NewNop())
		require.NoError(t, err)

		err = f.Forward(context.Background(), month, recordsFixture())
		require.NoError(t, err)
		assert.Equal(t, "2024-03", got.Month)
		assert.Equal(t, 1, got.Count)
		require.Len(t, got.Records, 1)
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		f, err := NewForwarder(Config{Enabled: true, Endpoint: server.URL}, zap.NewNop())
		require.NoError(t, err)

		err = f.Forward(context.Background(), month, recordsFixture())
		assert.ErrorContains(t, err, "status 502")
	})

	t.Run("disabled forwarder is a no-op", func(t *testing.T) {
		f, err := NewForwarder(Config{Enabled: false}, zap.NewNop())
		require.NoError(t, err)
		assert.NoError(t, f.Forward(context.Background(), month, recordsFixture()))
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		called := false
		server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
			called = true
		}))
		defer server.Close()

		f, err := NewForwarder(Config{Enabled: true, Endpoint: server.URL}, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, f.Forward(context.Background(), month, nil))
		assert.False(t, called)
	})
}

func TestNewForwarder_RequiresEndpoint(t *testing.T) {
	_, err := NewForwarder(Config{Enabled: true}, zap.NewNop())
	assert.Error(t, err)
}
