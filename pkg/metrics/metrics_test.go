package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.UploadAttempt(UploadSuccess)
	m.Send(SendConfirmed)
	m.FeedEvent("message_inserted")
	m.Reconnect()
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.UploadAttempt(UploadRetry)
	m.UploadAttempt(UploadRetry)
	m.UploadAttempt(UploadSuccess)
	m.Send(SendConfirmed)
	m.Reconnect()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.uploadAttempts.WithLabelValues(UploadRetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `chatsync_sends_total{outcome="confirmed"} 1`))
}
