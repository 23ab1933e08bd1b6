package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	TabletConnectionsGauge      prometheus.Gauge
	WorkstationConnectionsGauge prometheus.Gauge
	ConnectionsSweptTotal       prometheus.Counter
	SessionsCreatedTotal        prometheus.Counter
	SessionsCompletedTotal      prometheus.Counter
	SessionsExpiredTotal        prometheus.Counter
	SessionsCancelledTotal      prometheus.Counter
	SubmissionsRejectedTotal    prometheus.Counter
	NoDeviceAvailableTotal      prometheus.Counter
	BreakerFallbackTotal        prometheus.Counter
	BroadcastFramesTotal        prometheus.Counter
)

// InitCustomMetrics initializes and registers custom Prometheus metrics.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	TabletConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "padsign_tablet_connections",
		Help: "Current number of live tablet connections.",
	})
	WorkstationConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "padsign_workstation_connections",
		Help: "Current number of live workstation connections.",
	})
	ConnectionsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "padsign_connections_swept_total",
		Help: "Total number of stale connections removed by the sweep.",
	})
	SessionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "padsign_sessions_created_total",
		Help: "Total number of signature sessions created.",
	})
	SessionsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "padsign_sessions_completed_total",
		Help: "Total number of signature sessions completed.",
	})
	SessionsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "padsign_sessions_expired_total",
		Help: "Total number of signature sessions expired.",
	})
	SessionsCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "padsign_sessions_cancelled_total",
		Help: "Total number of signature sessions cancelled.",
	})
	SubmissionsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "padsign_submissions_rejected_total",
		Help: "Total number of signature submissions rejected.",
	})
	NoDeviceAvailableTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "padsign_no_device_available_total",
		Help: "Total number of dispatch attempts that found no live device.",
	})
	BreakerFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "padsign_breaker_fallback_total",
		Help: "Total number of resilience fallback responses returned.",
	})
	BroadcastFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "padsign_broadcast_frames_total",
		Help: "Total number of frames delivered by broadcast.",
	})

	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}

	collectors := map[string]prometheus.Collector{
		"TabletConnectionsGauge":      TabletConnectionsGauge,
		"WorkstationConnectionsGauge": WorkstationConnectionsGauge,
		"ConnectionsSweptTotal":       ConnectionsSweptTotal,
		"SessionsCreatedTotal":        SessionsCreatedTotal,
		"SessionsCompletedTotal":      SessionsCompletedTotal,
		"SessionsExpiredTotal":        SessionsExpiredTotal,
		"SessionsCancelledTotal":      SessionsCancelledTotal,
		"SubmissionsRejectedTotal":    SubmissionsRejectedTotal,
		"NoDeviceAvailableTotal":      NoDeviceAvailableTotal,
		"BreakerFallbackTotal":        BreakerFallbackTotal,
		"BroadcastFramesTotal":        BroadcastFramesTotal,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}
