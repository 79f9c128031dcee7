// Package metrics registers the connector Prometheus series and carries the
// structured metric event registry.
//
//	pricefeed_messages_total{connector,kind}
//	pricefeed_records_dropped_total{connector,reason}
//	pricefeed_reconnects_total{connector}
//	pricefeed_published_total{connector,record}
//	pricefeed_connector_state{connector}
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	once      sync.Once
	registry  = prometheus.NewRegistry()
	messages  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	reconnect *prometheus.CounterVec
	published *prometheus.CounterVec
	state     *prometheus.GaugeVec
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		messages = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_messages_total",
			Help: "Decoded inbound events by kind",
		}, []string{"connector", "kind"})

		dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_records_dropped_total",
			Help: "Messages or records dropped, by reason",
		}, []string{"connector", "reason"})

		reconnect = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_reconnects_total",
			Help: "Transitions into backoff",
		}, []string{"connector"})

		published = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_published_total",
			Help: "Records written to the shared store",
		}, []string{"connector", "record"})

		state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricefeed_connector_state",
			Help: "Connection state (0 disconnected .. 6 stopped)",
		}, []string{"connector"})

		registry.MustRegister(messages, dropped, reconnect, published, state)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Registry is the gatherer served on /metrics.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

func IncMessage(connector, kind string) {
	if messages != nil {
		messages.WithLabelValues(connector, kind).Inc()
	}
}

func IncReconnect(connector string) {
	if reconnect != nil {
		reconnect.WithLabelValues(connector).Inc()
	}
}

func IncPublished(connector, record string) {
	if published != nil {
		published.WithLabelValues(connector, record).Inc()
	}
}

func SetState(connector string, value int) {
	if state != nil {
		state.WithLabelValues(connector).Set(float64(value))
	}
}

func incDropped(connector, reason string) {
	if dropped != nil {
		dropped.WithLabelValues(connector, reason).Inc()
	}
}
