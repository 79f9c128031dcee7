package reader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricefeed/internal/lifecycle"
	"pricefeed/models"
	"pricefeed/reader/funding"
	"pricefeed/writer"
)

// testDecoder understands a tiny line protocol used by the fake venue:
//
//	{"t":"ticker","s":"BTCUSDT","p":"100"}
//	{"t":"snap"|"delta","s":"BTCUSDT","id":10,"b":[["100","1"]],"a":[["101","1"]]}
//	{"t":"trade","s":"BTCUSDT","p":"100","q":"1","id":"x"}
type testDecoder struct {
	mu      sync.Mutex
	resyncs []string
}

func (d *testDecoder) Exchange() string { return "test" }

func (d *testDecoder) SubscribeMessages() ([][]byte, error) {
	return [][]byte{[]byte(`{"op":"subscribe"}`)}, nil
}

func (d *testDecoder) ResyncMessages(symbol string) [][]byte {
	d.mu.Lock()
	d.resyncs = append(d.resyncs, symbol)
	d.mu.Unlock()
	return [][]byte{[]byte(`{"op":"resync","s":"` + symbol + `"}`)}
}

func (d *testDecoder) Decode(msg []byte, received time.Time) ([]models.Event, error) {
	var f struct {
		T  string          `json:"t"`
		S  string          `json:"s"`
		P  json.RawMessage `json:"p"`
		Q  json.RawMessage `json:"q"`
		ID json.RawMessage `json:"id"`
		B  [][]string      `json:"b"`
		A  [][]string      `json:"a"`
	}
	if err := json.Unmarshal(msg, &f); err != nil {
		return nil, &models.DecodeError{Exchange: "test", Reason: "json", Err: err}
	}
	switch f.T {
	case "ticker":
		p, _ := ParseFloat(f.P)
		return []models.Event{models.TickerEvent(models.RawTicker{SourceSymbol: f.S, LastPrice: p, ObservedAt: received})}, nil
	case "snap", "delta":
		bids, err := ParseLevels(f.B)
		if err != nil {
			return nil, err
		}
		asks, err := ParseLevels(f.A)
		if err != nil {
			return nil, err
		}
		id, _ := ParseFloat(f.ID)
		kind := models.BookSnapshot
		if f.T == "delta" {
			kind = models.BookDelta
		}
		return []models.Event{models.BookEvent(models.OrderBookEvent{
			Kind: kind, SourceSymbol: f.S, Bids: bids, Asks: asks, UpdateID: int64(id), Timestamp: received,
		})}, nil
	case "trade":
		p, _ := ParseFloat(f.P)
		q, _ := ParseFloat(f.Q)
		return []models.Event{models.TradesEvent(models.TradeEvent{SourceSymbol: f.S, Trades: []models.Trade{{
			Price: p, Quantity: q, Side: models.SideBuy, TradeID: strings.Trim(string(f.ID), `"`), Timestamp: received,
		}}})}, nil
	}
	return nil, nil
}

func newTestConnector(t *testing.T, url string, store writer.Store) (*Connector, *testDecoder) {
	t.Helper()
	dec := &testDecoder{}
	pub := writer.NewPublisher(store, writer.PublisherConfig{Connector: "test_spot", Prefix: "test_spot", TTL: time.Minute})
	c, err := NewConnector(Config{
		ID:               "test_spot",
		Exchange:         "test",
		URL:              url,
		Symbols:          []string{"BTCUSDT"},
		StripList:        []string{"USDT"},
		Depth:            10,
		TradeCapacity:    5,
		HeartbeatTimeout: 2 * time.Second,
		PingInterval:     time.Second,
		Backoff:          lifecycle.BackoffPolicy{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond},
	}, dec, pub)
	require.NoError(t, err)
	return c, dec
}

type fakeVenue struct {
	srv     *httptest.Server
	conns   atomic.Int32
	frames  []string
	hangup  bool
	inbound chan string
}

func newFakeVenue(t *testing.T, frames []string, hangup bool) *fakeVenue {
	t.Helper()
	v := &fakeVenue{frames: frames, hangup: hangup, inbound: make(chan string, 64)}
	upgrader := websocket.Upgrader{}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		v.conns.Add(1)

		if _, msg, err := conn.ReadMessage(); err == nil {
			v.inbound <- string(msg)
		}
		for _, f := range v.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if v.hangup {
			return
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case v.inbound <- string(msg):
			default:
			}
		}
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVenue) url() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func TestConnectorStreamsIntoStore(t *testing.T) {
	venue := newFakeVenue(t, []string{
		`{"t":"ticker","s":"BTCUSDT","p":"43000.5"}`,
		`{"t":"snap","s":"BTCUSDT","id":10,"b":[["100","1"],["99","2"]],"a":[["101","1"],["102","2"]]}`,
		`{"t":"delta","s":"BTCUSDT","id":11,"b":[["100","0"]],"a":[["101","0.5"]]}`,
		`{"t":"trade","s":"BTCUSDT","p":"100.5","q":"0.1","id":"t1"}`,
		`not json`,
	}, false)
	store := writer.NewMemoryStore()
	c, _ := newTestConnector(t, venue.url(), store)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	select {
	case msg := <-venue.inbound:
		assert.JSONEq(t, `{"op":"subscribe"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame")
	}

	require.Eventually(t, func() bool {
		return c.Status().DecodeErrors == 1
	}, 2*time.Second, 10*time.Millisecond)

	ticker, err := store.HGetAll(ctx, writer.TickerKey("test_spot", "BTC"))
	require.NoError(t, err)
	assert.Equal(t, "43000.5", ticker["ltp"])
	assert.Equal(t, "BTCUSDT", ticker["original_symbol"])

	book, err := store.HGetAll(ctx, writer.OrderBookKey("test_spot", "BTC"))
	require.NoError(t, err)
	assert.Equal(t, `[["99","2"]]`, book["bids"])
	assert.Equal(t, `[["101","0.5"],["102","2"]]`, book["asks"])
	assert.Equal(t, "2", book["spread"])
	assert.Equal(t, "100", book["mid_price"])
	assert.Equal(t, "11", book["update_id"])

	trades, err := store.HGetAll(ctx, writer.TradesKey("test_spot", "BTC"))
	require.NoError(t, err)
	assert.Equal(t, "1", trades["count"])

	st := c.Status()
	assert.Equal(t, lifecycle.Streaming.String(), st.State)
	assert.Equal(t, int64(5), st.Messages)
	assert.GreaterOrEqual(t, st.DataCount, int64(4))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
	assert.Equal(t, lifecycle.Stopped, c.State().Status)
}

func TestConnectorReconnectsAfterHangup(t *testing.T) {
	venue := newFakeVenue(t, []string{`{"t":"ticker","s":"BTCUSDT","p":"1"}`}, true)
	c, _ := newTestConnector(t, venue.url(), writer.NewMemoryStore())

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return venue.conns.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
}

func TestConnectorUnreachableKeepsRetrying(t *testing.T) {
	c, _ := newTestConnector(t, "ws://127.0.0.1:1/ws", writer.NewMemoryStore())
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return c.State().RetryCount >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, c.Status().LastError)

	start := time.Now()
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnectorHeartbeatLapseReconnects(t *testing.T) {
	venue := newFakeVenue(t, nil, false)
	c, _ := newTestConnector(t, venue.url(), writer.NewMemoryStore())
	c.cfg.HeartbeatTimeout = 200 * time.Millisecond
	c.cfg.PingInterval = time.Minute

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return venue.conns.Load() >= 2 && strings.Contains(c.Status().LastError, "heartbeat")
	}, 3*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
}

// stallingStore never completes a write until the caller gives up.
type stallingStore struct {
	*writer.MemoryStore
	entered chan struct{}
	once    sync.Once
}

func (s *stallingStore) HSet(ctx context.Context, _ string, _ map[string]string, _ time.Duration) error {
	s.once.Do(func() { close(s.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func TestConnectorStopCancelsInFlightPublish(t *testing.T) {
	venue := newFakeVenue(t, []string{`{"t":"ticker","s":"BTCUSDT","p":"1"}`}, false)
	store := &stallingStore{MemoryStore: writer.NewMemoryStore(), entered: make(chan struct{})}
	c, _ := newTestConnector(t, venue.url(), store)

	require.NoError(t, c.Start(context.Background()))
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("publish never reached the store")
	}

	start := time.Now()
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, c.Status().PublishFails)
}

type panickingFundingSource struct {
	calls atomic.Int32
}

func (p *panickingFundingSource) Name() string { return "panicking" }

func (p *panickingFundingSource) Fetch(context.Context, []string) ([]models.FundingRate, error) {
	p.calls.Add(1)
	panic("malformed funding payload")
}

func TestFundingPollerPanicDoesNotKillConnector(t *testing.T) {
	venue := newFakeVenue(t, []string{`{"t":"ticker","s":"BTCUSDT","p":"2"}`}, false)
	store := writer.NewMemoryStore()
	pub := writer.NewPublisher(store, writer.PublisherConfig{Connector: "test_spot", Prefix: "test_spot", TTL: time.Minute})
	src := &panickingFundingSource{}
	poller, err := funding.NewPoller(funding.Config{Connector: "test_spot", Symbols: []string{"BTCUSDT"}, Interval: 50 * time.Millisecond}, src, pub)
	require.NoError(t, err)

	c, _ := newTestConnector(t, venue.url(), store)
	WithFundingPoller(poller)(c)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got, _ := store.HGetAll(context.Background(), writer.TickerKey("test_spot", "BTC"))
		return got["ltp"] == "2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, lifecycle.Streaming.String(), c.Status().State)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
}

func TestHandleSequenceGapRequestsResync(t *testing.T) {
	store := writer.NewMemoryStore()
	c, dec := newTestConnector(t, "ws://unused", store)

	var sent []string
	send := func(b []byte) error {
		sent = append(sent, string(b))
		return nil
	}
	now := time.Now()
	c.handle(context.Background(), []byte(`{"t":"snap","s":"BTCUSDT","id":10,"b":[["100","1"]],"a":[["101","1"]]}`), now, send)
	c.handle(context.Background(), []byte(`{"t":"delta","s":"BTCUSDT","id":9,"b":[["100","5"]],"a":[]}`), now, send)

	assert.Equal(t, int64(1), c.Status().Gaps)
	assert.Equal(t, []string{"BTCUSDT"}, dec.resyncs)
	require.Len(t, sent, 1)

	// Deltas are ignored until a fresh snapshot arrives.
	c.handle(context.Background(), []byte(`{"t":"delta","s":"BTCUSDT","id":12,"b":[["100","7"]],"a":[]}`), now, send)
	book, err := store.HGetAll(context.Background(), writer.OrderBookKey("test_spot", "BTC"))
	require.NoError(t, err)
	assert.Equal(t, `[["100","1"]]`, book["bids"])

	c.handle(context.Background(), []byte(`{"t":"snap","s":"BTCUSDT","id":20,"b":[["100","3"]],"a":[["101","1"]]}`), now, send)
	book, err = store.HGetAll(context.Background(), writer.OrderBookKey("test_spot", "BTC"))
	require.NoError(t, err)
	assert.Equal(t, `[["100","3"]]`, book["bids"])
}

// echoDecoder answers "ping" control frames in band.
type echoDecoder struct {
	testDecoder
}

func (d *echoDecoder) Respond(msg []byte) [][]byte {
	if string(msg) == "ping" {
		return [][]byte{[]byte("pong")}
	}
	return nil
}

func TestHandleAnswersControlFrames(t *testing.T) {
	store := writer.NewMemoryStore()
	pub := writer.NewPublisher(store, writer.PublisherConfig{Connector: "echo", Prefix: "echo", TTL: time.Minute})
	c, err := NewConnector(Config{ID: "echo", Exchange: "test", URL: "ws://unused", StripList: []string{"USDT"}}, &echoDecoder{}, pub)
	require.NoError(t, err)

	var sent []string
	send := func(b []byte) error {
		sent = append(sent, string(b))
		return nil
	}
	c.handle(context.Background(), []byte("ping"), time.Now(), send)
	c.handle(context.Background(), []byte(`{"t":"ticker","s":"BTCUSDT","p":"100"}`), time.Now(), send)

	assert.Equal(t, []string{"pong"}, sent)
	rec, err := store.HGetAll(context.Background(), writer.TickerKey("echo", "BTC"))
	require.NoError(t, err)
	assert.Equal(t, "100", rec["ltp"])
	// The control frame is not valid JSON, so it also counts as undecodable.
	assert.Equal(t, int64(1), c.Status().DecodeErrors)
}

func TestHandleCrossedBookDiscarded(t *testing.T) {
	store := writer.NewMemoryStore()
	c, dec := newTestConnector(t, "ws://unused", store)
	c.handle(context.Background(), []byte(`{"t":"snap","s":"BTCUSDT","id":1,"b":[["102","1"]],"a":[["101","1"]]}`), time.Now(), func([]byte) error { return nil })

	assert.Equal(t, []string{"BTCUSDT"}, dec.resyncs)
	book, err := store.HGetAll(context.Background(), writer.OrderBookKey("test_spot", "BTC"))
	require.NoError(t, err)
	assert.Empty(t, book)
}

func TestHandleTradesFiltersInvalid(t *testing.T) {
	store := writer.NewMemoryStore()
	c, _ := newTestConnector(t, "ws://unused", store)
	c.handle(context.Background(), []byte(`{"t":"trade","s":"BTCUSDT","p":"0","q":"1","id":"bad"}`), time.Now(), nil)
	trades, err := store.HGetAll(context.Background(), writer.TradesKey("test_spot", "BTC"))
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestNewConnectorValidation(t *testing.T) {
	pub := writer.NewPublisher(writer.NewMemoryStore(), writer.PublisherConfig{Prefix: "x"})
	var ce *models.ConfigError

	_, err := NewConnector(Config{}, &testDecoder{}, pub)
	assert.ErrorAs(t, err, &ce)
	_, err = NewConnector(Config{ID: "a"}, nil, pub)
	assert.ErrorAs(t, err, &ce)
	_, err = NewConnector(Config{ID: "a", LocalIP: "999.1.1.1"}, &testDecoder{}, pub)
	assert.ErrorAs(t, err, &ce)
}
