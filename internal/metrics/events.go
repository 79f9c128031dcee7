package metrics

import (
	"sync"
	"time"

	"pricefeed/logger"
)

const (
	TypeCounter = "counter"
	TypeGauge   = "gauge"
)

// Metric is one structured metric event. The connector it concerns is lifted
// out of Fields so subscribers can select on it.
type Metric struct {
	Timestamp time.Time
	Component string
	Connector string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler consumes emitted metrics. Handlers run on the emitting
// goroutine and must not block.
type MetricHandler func(Metric)

// MetricHandlerID identifies a subscription.
type MetricHandlerID uint64

type subscription struct {
	handler    MetricHandler
	connectors map[string]bool
}

func (s subscription) wants(m Metric) bool {
	return len(s.connectors) == 0 || s.connectors[m.Connector]
}

type hub struct {
	mu   sync.RWMutex
	next MetricHandlerID
	subs map[MetricHandlerID]subscription
}

var events = &hub{subs: make(map[MetricHandlerID]subscription)}

// RegisterMetricHandler subscribes handler to emitted metrics. When
// connectors are given only events for those connectors are delivered.
// A nil handler is not registered and yields the zero id.
func RegisterMetricHandler(handler MetricHandler, connectors ...string) MetricHandlerID {
	if handler == nil {
		return 0
	}
	sub := subscription{handler: handler}
	if len(connectors) > 0 {
		sub.connectors = make(map[string]bool, len(connectors))
		for _, c := range connectors {
			sub.connectors[c] = true
		}
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	events.next++
	events.subs[events.next] = sub
	return events.next
}

func UnregisterMetricHandler(id MetricHandlerID) {
	events.mu.Lock()
	delete(events.subs, id)
	events.mu.Unlock()
}

func (h *hub) dispatch(m Metric) {
	h.mu.RLock()
	targets := make([]MetricHandler, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.wants(m) {
			targets = append(targets, sub.handler)
		}
	}
	h.mu.RUnlock()

	for _, handler := range targets {
		handler(m)
	}
}

// recordMetric logs one metric at debug level and fans it out. Events
// without a name are dropped.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = TypeCounter
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		if k == "connector" {
			m.Connector, _ = v.(string)
			continue
		}
		m.Fields[k] = v
	}

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"metric":      name,
		"metric_type": metricType,
		"value":       value,
	})
	if m.Connector != "" {
		entry = entry.WithFields(logger.Fields{"connector": m.Connector})
	}
	entry.WithFields(m.Fields).Debug("metric")

	events.dispatch(m)
	return m, true
}
