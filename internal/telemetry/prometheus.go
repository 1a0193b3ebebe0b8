package telemetry

import "github.com/prometheus/client_golang/prometheus"

const livelookNamespace string = "livelook"

var (
	promSessionTotal        prometheus.Gauge
	promParticipantTotal    prometheus.Gauge
	ServiceOperationCounter *prometheus.CounterVec
	RTPPacketCounter        *prometheus.CounterVec
	RTPPacketLossCounter    *prometheus.CounterVec
)

func init() {
	promSessionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "session",
		Name:      "total",
		Help:      "Live media sessions held by this agent.",
	})

	promParticipantTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "room",
		Name:      "participants",
		Help:      "Occupants of the joined room.",
	})

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "node",
			Name:      "service_operation",
		},
		[]string{"type", "status", "error_type"},
	)

	RTPPacketCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "rtp",
			Name:      "packets_received",
		},
		[]string{"kind"},
	)

	RTPPacketLossCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "rtp",
			Name:      "packets_lost",
		},
		[]string{"kind"},
	)

	prometheus.MustRegister(promSessionTotal)
	prometheus.MustRegister(promParticipantTotal)
	prometheus.MustRegister(ServiceOperationCounter)
	prometheus.MustRegister(RTPPacketCounter)
	prometheus.MustRegister(RTPPacketLossCounter)
}

func SessionStarted() {
	promSessionTotal.Inc()
}

func SessionStopped() {
	promSessionTotal.Dec()
}

func ParticipantsChanged(n int) {
	promParticipantTotal.Set(float64(n))
}
