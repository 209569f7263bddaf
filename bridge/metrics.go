package bridge

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "navdash",
		Subsystem: "bridge",
		Name:      "frames_received_total",
		Help:      "Inbound frames dispatched to a handler",
	})

	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navdash",
		Subsystem: "bridge",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped, by reason",
	}, []string{"reason"})

	sendsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navdash",
		Subsystem: "bridge",
		Name:      "sends_dropped_total",
		Help:      "Outbound frames not sent, by operation and reason",
	}, []string{"op", "reason"})

	reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "navdash",
		Subsystem: "bridge",
		Name:      "reconnect_attempts_total",
		Help:      "Scheduled reconnect attempts",
	})

	connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "navdash",
		Subsystem: "bridge",
		Name:      "connection_state",
		Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
	})
)

// RegisterMetrics registers the package collectors with reg.
// Registering twice with the same registry is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{framesReceived, framesDropped, sendsDropped, reconnectAttempts, connectionState} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
