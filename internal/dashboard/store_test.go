package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"pricefeed/internal/metrics"
)

func TestRingKeepsNewest(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	got := r.collect(nil)
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("unexpected ring contents: %v", got)
	}
	even := r.collect(func(v int) bool { return v%2 == 0 })
	if len(even) != 1 || even[0] != 4 {
		t.Fatalf("unexpected filtered contents: %v", even)
	}
}

func TestMetricStoreTracksLatestPerConnector(t *testing.T) {
	store := newMetricStore(2)
	store.handle(metrics.Metric{Connector: "bybit_spot", Name: "messages_received", Value: int64(10)})
	store.handle(metrics.Metric{Connector: "delta_futures", Name: "messages_received", Value: int64(4)})
	store.handle(metrics.Metric{Connector: "bybit_spot", Name: "messages_received", Value: int64(12)})
	store.handle(metrics.Metric{Connector: "bybit_spot", Name: "publish_errors", Value: int64(1)})

	if got := store.events(""); len(got) != 2 {
		t.Fatalf("expected 2 retained events, got %d", len(got))
	}
	if got := store.events("delta_futures"); len(got) != 0 {
		t.Fatalf("delta event should have been evicted: %#v", got)
	}

	latest := store.latestFor("bybit_spot")
	if latest["messages_received"] != int64(12) || latest["publish_errors"] != int64(1) {
		t.Fatalf("unexpected latest values: %v", latest)
	}
	// Eviction from the event history keeps the latest value.
	if store.latestFor("delta_futures")["messages_received"] != int64(4) {
		t.Fatalf("latest value lost with history eviction")
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "failed to publish record, dropping"
	entry.Data = logrus.Fields{
		"component": "publisher",
		"connector": "bybit_spot",
		"key":       "bybit_spot:BTC",
		"error":     errors.New("connection refused"),
	}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	got := store.filter("", "")
	if len(got) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(got))
	}
	rec := got[0]
	if rec.Component != "publisher" || rec.Connector != "bybit_spot" || rec.Fields["error"] != "connection refused" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if _, ok := rec.Fields["connector"]; ok {
		t.Fatalf("connector should not be repeated in fields")
	}
}

func TestLogStoreFiltersAndCloses(t *testing.T) {
	store := newLogStore(10)
	for _, data := range []logrus.Fields{
		{"component": "connector", "connector": "bybit_spot"},
		{"component": "connector", "connector": "delta_futures"},
		{"component": "orchestrator"},
	} {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = logrus.InfoLevel
		entry.Message = "msg"
		entry.Data = data
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if got := store.filter("bybit_spot", ""); len(got) != 1 || got[0].Connector != "bybit_spot" {
		t.Fatalf("unexpected filter result: %#v", got)
	}
	if len(store.filter("", "info")) != 3 || len(store.filter("", "warning")) != 0 {
		t.Fatalf("unexpected level filter result")
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	_ = store.Fire(entry)
	if len(store.filter("", "")) != 3 {
		t.Fatalf("store accepted entries after close")
	}
}
