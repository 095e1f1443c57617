package telemetry

import "github.com/prometheus/client_golang/prometheus"

const meshcallNamespace string = "meshcall"

var (
	promSessionTotal prometheus.Gauge

	// HandshakeCounter counts handshake outcomes by role and status.
	HandshakeCounter *prometheus.CounterVec

	// SignalingCounter counts messages moved through the signaling channel.
	SignalingCounter *prometheus.CounterVec
)

func init() {
	promSessionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: meshcallNamespace,
		Subsystem: "session",
		Name:      "total",
	})

	HandshakeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: meshcallNamespace,
			Subsystem: "handshake",
			Name:      "operations",
		},
		[]string{"role", "status"},
	)

	SignalingCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: meshcallNamespace,
			Subsystem: "signaling",
			Name:      "messages",
		},
		[]string{"method", "direction"},
	)

	prometheus.MustRegister(promSessionTotal)
	prometheus.MustRegister(HandshakeCounter)
	prometheus.MustRegister(SignalingCounter)
}

func SessionStarted() {
	promSessionTotal.Inc()
}

func SessionStopped() {
	promSessionTotal.Dec()
}
