// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CommandsTotal *prometheus.CounterVec // labels: command, outcome
	ClipsPlayed   prometheus.Counter
	LaneDrops     prometheus.Counter
	StaleDrops    prometheus.Counter
	HelixRequests *prometheus.CounterVec // labels: endpoint, status

	// Histograms (seconds)
	HelixDuration   prometheus.ObserverVec // labels: endpoint
	CommandDuration prometheus.ObserverVec // labels: command

	// Gauges
	QueueDepthGauge  *prometheus.GaugeVec // labels: channel
	OverlayClients   prometheus.Gauge
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clipcast_commands_total", Help: "Chat commands by command and outcome"}, []string{"command", "outcome"})
		ClipsPlayed = promauto.NewCounter(prometheus.CounterOpts{Name: "clipcast_clips_played_total", Help: "Clips emitted to overlays"})
		LaneDrops = promauto.NewCounter(prometheus.CounterOpts{Name: "clipcast_lane_drops_total", Help: "Jobs dropped because a channel lane was full"})
		StaleDrops = promauto.NewCounter(prometheus.CounterOpts{Name: "clipcast_stale_effects_dropped_total", Help: "Command effects dropped after a later stop/watch/replay"})
		HelixRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clipcast_helix_requests_total", Help: "Helix requests by endpoint and status"}, []string{"endpoint", "status"})
		HelixDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "clipcast_helix_request_duration_seconds", Help: "Helix request duration seconds", Buckets: prometheus.DefBuckets}, []string{"endpoint"})
		CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "clipcast_command_duration_seconds", Help: "Command handling duration seconds", Buckets: prometheus.DefBuckets}, []string{"command"})
		QueueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "clipcast_queue_depth", Help: "Clips waiting per channel"}, []string{"channel"})
		OverlayClients = promauto.NewGauge(prometheus.GaugeOpts{Name: "clipcast_overlay_clients", Help: "Connected overlay websockets"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clipcast_helix_circuit_open", Help: "Helix circuit breaker open=1 closed=0"})
	})
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge == nil {
		return
	}
	if open {
		CircuitOpenGauge.Set(1)
	} else {
		CircuitOpenGauge.Set(0)
	}
}

// SetQueueDepth records the number of clips waiting in a channel's queue.
func SetQueueDepth(channel string, n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.WithLabelValues(channel).Set(float64(n))
	}
}

// IncCommand counts a handled chat command. outcome is one of ok, denied, disabled, failed, dropped, noop, stale.
func IncCommand(command, outcome string) {
	if CommandsTotal != nil {
		CommandsTotal.WithLabelValues(command, outcome).Inc()
	}
}

// IncClipsPlayed counts a playClip emission.
func IncClipsPlayed() {
	if ClipsPlayed != nil {
		ClipsPlayed.Inc()
	}
}

// IncLaneDrops counts a job rejected because its lane buffer was full.
func IncLaneDrops() {
	if LaneDrops != nil {
		LaneDrops.Inc()
	}
}

// IncStaleDrops counts effects discarded because of a newer interrupting command.
func IncStaleDrops() {
	if StaleDrops != nil {
		StaleDrops.Inc()
	}
}

// AddOverlayClients adjusts the connected overlay gauge by delta.
func AddOverlayClients(delta int) {
	if OverlayClients != nil {
		OverlayClients.Add(float64(delta))
	}
}

// ObserveHelix records one Helix round trip.
func ObserveHelix(endpoint, status string, d time.Duration) {
	if HelixRequests != nil {
		HelixRequests.WithLabelValues(endpoint, status).Inc()
	}
	if HelixDuration != nil {
		HelixDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// CommandObserver returns the duration observer for a command, or nil before Init.
func CommandObserver(command string) prometheus.Observer {
	if CommandDuration == nil {
		return nil
	}
	return CommandDuration.WithLabelValues(command)
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
