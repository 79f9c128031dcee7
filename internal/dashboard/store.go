package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"pricefeed/internal/metrics"
)

// metricStore keeps recent metric events and, per connector, the latest
// value of every metric name it emitted.
type metricStore struct {
	recent *ring[metrics.Metric]

	mu     sync.RWMutex
	latest map[string]map[string]interface{}
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{recent: newRing[metrics.Metric](limit), latest: make(map[string]map[string]interface{})}
}

func (s *metricStore) handle(m metrics.Metric) {
	s.recent.push(m)
	if m.Connector == "" {
		return
	}
	s.mu.Lock()
	series, ok := s.latest[m.Connector]
	if !ok {
		series = make(map[string]interface{})
		s.latest[m.Connector] = series
	}
	series[m.Name] = m.Value
	s.mu.Unlock()
}

// events returns recent events, only those of connector when it is set.
func (s *metricStore) events(connector string) []metrics.Metric {
	if connector == "" {
		return s.recent.collect(nil)
	}
	return s.recent.collect(func(m metrics.Metric) bool { return m.Connector == connector })
}

// latestFor returns a copy of the last value per metric for one connector.
func (s *metricStore) latestFor(connector string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.latest[connector]))
	for k, v := range s.latest[connector] {
		out[k] = v
	}
	return out
}

// logRecord is one captured log entry as served on /api/logs.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Connector string                 `json:"connector,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining recent records. It stops capturing
// once closed.
type logStore struct {
	records *ring[logRecord]
	closed  atomic.Bool
}

func newLogStore(limit int) *logStore {
	return &logStore{records: newRing[logRecord](limit)}
}

func (s *logStore) Levels() []logrus.Level { return logrus.AllLevels }

func (s *logStore) Fire(entry *logrus.Entry) error {
	if s.closed.Load() {
		return nil
	}
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			rec.Component, _ = v.(string)
		case "connector":
			rec.Connector, _ = v.(string)
		default:
			if rec.Fields == nil {
				rec.Fields = make(map[string]interface{}, len(entry.Data))
			}
			rec.Fields[k] = printable(v)
		}
	}
	s.records.push(rec)
	return nil
}

func printable(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	}
	return v
}

// filter returns retained records for one connector and/or level; empty
// arguments match everything.
func (s *logStore) filter(connector, level string) []logRecord {
	return s.records.collect(func(r logRecord) bool {
		return (connector == "" || r.Connector == connector) && (level == "" || r.Level == level)
	})
}

func (s *logStore) close() { s.closed.Store(true) }
