// Package metrics exposes Prometheus counters for the swap pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosslock-exchange/crosslock/internal/runtime"
)

// Metrics counts committed swap events. It plugs into the runtime as
// an event sink, so only committed units are counted.
type Metrics struct {
	registry *prometheus.Registry

	ordersCreated   prometheus.Counter
	escrowsDeployed prometheus.Counter
	fundsLocked     prometheus.Counter
	secretsRevealed prometheus.Counter
	swapsCancelled  prometheus.Counter
	packetsSent     prometheus.Counter
	packetsAcked    prometheus.Counter
	packetsTimedOut prometheus.Counter
	ordersExpired   prometheus.Counter
	eventsTotal     *prometheus.CounterVec
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ordersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_orders_created_total",
			Help: "Cross-chain orders created.",
		}),
		escrowsDeployed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_escrows_deployed_total",
			Help: "Escrow instances deployed.",
		}),
		fundsLocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_funds_locked_total",
			Help: "Escrows funded by a resolver.",
		}),
		secretsRevealed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_secrets_revealed_total",
			Help: "Successful secret reveals.",
		}),
		swapsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_swaps_cancelled_total",
			Help: "Escrows cancelled after timelock expiry.",
		}),
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_packets_sent_total",
			Help: "Outbound packets staged for delivery.",
		}),
		packetsAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_packets_acked_total",
			Help: "Outbound packets acknowledged.",
		}),
		packetsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_packets_timed_out_total",
			Help: "Outbound packets that passed their deadline unacknowledged.",
		}),
		ordersExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_orders_expired_total",
			Help: "Orders expired by packet timeout compensation.",
		}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslock_events_total",
			Help: "Committed events by type.",
		}, []string{"type"}),
	}
}

// PublishEvents implements runtime.EventSink.
func (m *Metrics) PublishEvents(events []runtime.Event) {
	for _, ev := range events {
		m.eventsTotal.WithLabelValues(ev.Type).Inc()

		switch ev.Type {
		case "create_order":
			m.ordersCreated.Inc()
		case "escrow_deployed":
			m.escrowsDeployed.Inc()
		case "lock_funds":
			m.fundsLocked.Inc()
		case "reveal_secret":
			m.secretsRevealed.Inc()
		case "cancel_swap":
			m.swapsCancelled.Inc()
		case "send_packet":
			m.packetsSent.Inc()
		case "packet_acked":
			m.packetsAcked.Inc()
		case "packet_timeout":
			m.packetsTimedOut.Inc()
		case "order_expired":
			m.ordersExpired.Inc()
		}
	}
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
