package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricefeed/config"
	"pricefeed/reader"
	"pricefeed/writer"
)

func serveWS(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func expectFrame(t *testing.T, conn *websocket.Conn, want string) bool {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	if !strings.Contains(string(msg), want) {
		t.Errorf("frame %q does not contain %q", msg, want)
		return false
	}
	return true
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestCoinDCXConnectorCompletesSocketIOHandshake(t *testing.T) {
	pong := make(chan struct{}, 1)
	url := serveWS(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"s1","pingInterval":25000,"pingTimeout":20000}`))
		if !expectFrame(t, conn, "40") {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"n1"}`))
		if !expectFrame(t, conn, `"channelName":"B-BTC_USDT@trades-futures"`) {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("2"))
		if !expectFrame(t, conn, "3") {
			return
		}
		pong <- struct{}{}
		trade := `42["new-trade",{"event":"new-trade","data":"{\"T\":1700000000000,\"p\":\"43000.5\",\"q\":\"0.01\",\"s\":\"B-BTC_USDT\",\"m\":false}"}]`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(trade))
		drain(conn)
	})

	c := connectorConfig("coindcx_futures", url)
	c.Exchange, c.Market = "coindcx", "futures"
	c.Symbols = []string{"B-BTC_USDT"}
	c.QuoteCurrencyStripList = []string{"B-", "_USDT"}

	store := writer.NewMemoryStore()
	services, errs := Builder{Store: store}.Build([]config.ConnectorConfig{c})
	require.Empty(t, errs)
	o := New(services, Options{ShutdownTimeout: 2 * time.Second})
	shutdown(t, o)
	require.NoError(t, o.StartAll())

	select {
	case <-pong:
	case <-time.After(3 * time.Second):
		t.Fatal("engine ping was not answered")
	}
	ctx := context.Background()
	assert.Eventually(t, func() bool {
		rec, err := store.HGetAll(ctx, writer.TickerKey("coindcx_futures", "BTC"))
		return err == nil && rec["ltp"] == "43000.5"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOptionsConnectorSubscribesToDiscoveredChain(t *testing.T) {
	listing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"result":[
			{"symbol":"C-BTC-90000-241220","underlying_asset_symbol":"BTC","contract_type":"call_options","oi":"40"},
			{"symbol":"C-BTC-95000-241220","underlying_asset_symbol":"BTC","contract_type":"call_options","oi":"2"}
		]}`))
	}))
	t.Cleanup(listing.Close)

	url := serveWS(t, func(conn *websocket.Conn) {
		if !expectFrame(t, conn, `"symbols":["C-BTC-90000-241220"]`) {
			return
		}
		frame := `{"type":"v2/ticker","symbol":"C-BTC-90000-241220","mark_price":"1520.5","oi":"40","timestamp":1700000000000000}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		drain(conn)
	})

	c := connectorConfig("delta_options", url)
	c.Exchange, c.Market = "delta", "options"
	c.Symbols, c.QuoteCurrencyStripList = nil, nil
	c.Discovery = &config.DiscoveryConfig{
		URL:           listing.URL,
		Underlyings:   []string{"BTC"},
		PerUnderlying: 2,
		Timeout:       time.Second,
	}

	store := writer.NewMemoryStore()
	services, errs := Builder{Store: store}.Build([]config.ConnectorConfig{c})
	require.Empty(t, errs)
	require.IsType(t, &reader.Connector{}, services[0])
	o := New(services, Options{ShutdownTimeout: 2 * time.Second})
	shutdown(t, o)
	require.NoError(t, o.StartAll())

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		rec, err := store.HGetAll(ctx, writer.TickerKey("delta_options", "C-BTC-90000-241220"))
		return err == nil && rec["ltp"] == "1520.5"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOptionsConnectorRetriesWhenListingIsDown(t *testing.T) {
	listing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(listing.Close)

	c := connectorConfig("delta_options", newBybitVenue(t))
	c.Exchange, c.Market = "delta", "options"
	c.Symbols = nil
	c.Discovery = &config.DiscoveryConfig{URL: listing.URL, Timeout: time.Second}

	services, errs := Builder{Store: writer.NewMemoryStore()}.Build([]config.ConnectorConfig{c})
	require.Empty(t, errs)
	o := New(services, Options{ShutdownTimeout: 2 * time.Second})
	shutdown(t, o)
	require.NoError(t, o.StartAll())

	assert.Eventually(t, func() bool {
		st, _ := o.Status("delta_options")
		return st.RetryCount >= 2 && strings.Contains(st.LastError, "discover instruments")
	}, 3*time.Second, 10*time.Millisecond)
}
