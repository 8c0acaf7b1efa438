// Package metrics exposes prometheus collectors for the crossover engine.
//
// All Recorder methods are safe on a nil receiver so components can run
// without metrics wired in.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Recorder holds the engine's prometheus collectors.
type Recorder struct {
	alertsTotal       *prometheus.CounterVec
	reversalsTotal    *prometheus.CounterVec
	shortfallTotal    *prometheus.CounterVec
	iterationErrors   prometheus.Counter
	fetchDuration     *prometheus.HistogramVec
	historicalAverage *prometheus.GaugeVec
	watching          prometheus.Gauge
	notifications     *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_crossover_alerts_total",
			Help: "EMA crossover alerts emitted",
		}, []string{"symbol", "direction"}),
		reversalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_reversal_records_total",
			Help: "Reversal monitor outcomes",
		}, []string{"symbol", "outcome"}),
		shortfallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_candle_shortfall_total",
			Help: "Ticks skipped because too few candles were available",
		}, []string{"symbol"}),
		iterationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentry_iteration_errors_total",
			Help: "Engine iterations aborted by an unexpected error",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentry_candle_fetch_duration_seconds",
			Help:    "Candle source latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		historicalAverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentry_historical_reversal_candles",
			Help: "Average candles to reverse from historical analysis",
		}, []string{"symbol"}),
		watching: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentry_reversal_watches_active",
			Help: "Instruments currently watched for a reversal",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_notifications_total",
			Help: "Notification deliveries",
		}, []string{"kind", "result"}),
	}

	reg.MustRegister(
		r.alertsTotal,
		r.reversalsTotal,
		r.shortfallTotal,
		r.iterationErrors,
		r.fetchDuration,
		r.historicalAverage,
		r.watching,
		r.notifications,
	)
	return r
}

func (r *Recorder) Alert(symbol, direction string) {
	if r == nil {
		return
	}
	r.alertsTotal.WithLabelValues(symbol, direction).Inc()
}

func (r *Recorder) Reversal(symbol, outcome string) {
	if r == nil {
		return
	}
	r.reversalsTotal.WithLabelValues(symbol, outcome).Inc()
}

func (r *Recorder) Shortfall(symbol string) {
	if r == nil {
		return
	}
	r.shortfallTotal.WithLabelValues(symbol).Inc()
}

func (r *Recorder) IterationError() {
	if r == nil {
		return
	}
	r.iterationErrors.Inc()
}

// ObserveFetch records how long a candle fetch took.
func (r *Recorder) ObserveFetch(operation string, start time.Time) {
	if r == nil {
		return
	}
	r.fetchDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (r *Recorder) HistoricalAverage(symbol string, avg int) {
	if r == nil {
		return
	}
	r.historicalAverage.WithLabelValues(symbol).Set(float64(avg))
}

func (r *Recorder) ForgetHistoricalAverage(symbol string) {
	if r == nil {
		return
	}
	r.historicalAverage.DeleteLabelValues(symbol)
}

func (r *Recorder) Watching(n int) {
	if r == nil {
		return
	}
	r.watching.Set(float64(n))
}

func (r *Recorder) Notification(kind string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.notifications.WithLabelValues(kind, result).Inc()
}

// Serve exposes the gatherer on addr until ctx is cancelled.
func Serve(ctx context.Context, addr, path string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("📊 指标服务已启动", zap.String("addr", addr), zap.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
