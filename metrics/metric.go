package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	PacketsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "RamStore",
		Subsystem: "transport",
		Name:      "packets_sent_total",
		Help:      "datagrams handed to the driver",
	})
	PacketsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "RamStore",
		Subsystem: "transport",
		Name:      "packets_received_total",
		Help:      "datagrams delivered by the driver",
	})
	PacketsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "RamStore",
		Subsystem: "transport",
		Name:      "packets_dropped_total",
		Help:      "inbound datagrams discarded (malformed, stale or out of window)",
	})
	Retransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "RamStore",
		Subsystem: "transport",
		Name:      "retransmits_total",
		Help:      "data fragments sent more than once",
	})
	BadSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "RamStore",
		Subsystem: "transport",
		Name:      "bad_sessions_total",
		Help:      "BAD_SESSION replies emitted",
	})
	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "RamStore",
		Subsystem: "transport",
		Name:      "sessions_opened_total",
		Help:      "server sessions established",
	})
)

func init() {
	Registry.MustRegister(
		PacketsSent,
		PacketsReceived,
		PacketsDropped,
		Retransmits,
		BadSessions,
		SessionsOpened,
	)
}
