package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/gobatch/internal/shared/logging"
)

// captureLogger records formatted log lines.
type captureLogger struct {
	mu       sync.Mutex
	messages []string
}

func (m *captureLogger) Debug(msg string, args ...any) { m.log("DEBUG", msg, args...) }
func (m *captureLogger) Info(msg string, args ...any)  { m.log("INFO", msg, args...) }
func (m *captureLogger) Warn(msg string, args ...any)  { m.log("WARN", msg, args...) }
func (m *captureLogger) Error(msg string, args ...any) { m.log("ERROR", msg, args...) }
func (m *captureLogger) Fatal(msg string, args ...any) { m.log("FATAL", msg, args...) }
func (m *captureLogger) With(...any) logging.Logger    { return m }

func (m *captureLogger) log(level, msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	formatted := fmt.Sprintf("[%s] %s", level, msg)
	for i := 0; i+1 < len(args); i += 2 {
		formatted += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	m.messages = append(m.messages, formatted)
}

func (m *captureLogger) output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.messages, "\n")
}

func TestHandler_ServesMetricsAndLogsScrape(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	m.Pulled(7)

	logger := &captureLogger{}
	rec := httptest.NewRecorder()
	Handler(reg, logger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "gobatch_input_units_total 7")
	require.Contains(t, logger.output(), "[DEBUG] Metrics scrape path=/metrics")
	require.Contains(t, logger.output(), "status=200")
}

func TestHandler_UnknownPath(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(prometheus.NewRegistry(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWithRecovery(t *testing.T) {
	logger := &captureLogger{}
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	withRecovery(logger, panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, logger.output(), "[ERROR] Panic recovered path=/metrics error=boom")
}
