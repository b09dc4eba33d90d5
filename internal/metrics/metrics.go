// Package metrics exposes run counters through Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nemanja-m/gobatch/internal/shared/logging"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	Instances   *prometheus.CounterVec
	InFlight    prometheus.Gauge
	Retries     prometheus.Counter
	InputUnits  prometheus.Counter
	OutputUnits prometheus.Counter
	Duration    prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		Instances: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gobatch_instances_total", Help: "Settled instances by outcome"},
			[]string{"outcome"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gobatch_instances_in_flight", Help: "Instances currently running"},
		),
		Retries: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "gobatch_retries_total", Help: "Retry requests"},
		),
		InputUnits: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "gobatch_input_units_total", Help: "Units pulled from the input source"},
		),
		OutputUnits: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "gobatch_output_units_total", Help: "Units written to the output sink"},
		),
		Duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "gobatch_instance_seconds", Help: "Instance run time", Buckets: prometheus.DefBuckets},
		),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Instances, m.InFlight, m.Retries, m.InputUnits, m.OutputUnits, m.Duration}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Started() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

// Settled records an instance outcome such as "emit", "skip", "fail" or "timeout".
func (m *Metrics) Settled(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Instances.WithLabelValues(outcome).Inc()
	m.Duration.Observe(elapsed.Seconds())
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) Pulled(n int) {
	if m == nil {
		return
	}
	m.InputUnits.Add(float64(n))
}

func (m *Metrics) Written(n int) {
	if m == nil {
		return
	}
	m.OutputUnits.Add(float64(n))
}

// Handler serves reg under /metrics.
func Handler(reg *prometheus.Registry, logger logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return withRecovery(logger, withLogging(logger, mux))
}

// Serve exposes reg on addr until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger logging.Logger) error {
	srv := &http.Server{Addr: addr, Handler: Handler(reg, logger), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
