package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersAreNoopsWhenDisabled(t *testing.T) {
	EnableMetrics(false)
	defer EnableMetrics(false)

	assert.NotPanics(t, func() {
		RecordTest("audio", "echo", "pass", time.Second)
		RecordTurn("agent", time.Second)
		ObserveExternal("stt", "deepgram")(nil)
		RecordRetry("tts.synthesize")
		SetLoadTestActive(3)
		RecordLoadTestCall(false)
		RecordReport("http", "result", nil)
		StartRun()()
	})
}

func TestMetricsEndpoint(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	stop := StartMetrics(logger, true)
	defer stop()
	defer EnableMetrics(false)

	RecordTest("audio", "echo", "fail", 2*time.Second)
	ObserveExternal("stt", "deepgram")(errors.New("boom"))
	RecordLoadTestCall(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(TestsTotal.WithLabelValues("audio", "echo", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ExternalRequestsTotal.WithLabelValues("stt", "deepgram", "error")))

	mux := http.NewServeMux()
	RegisterHandler(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voiceprobe_loadtest_calls_total")
}
