package processor

import "pricefeed/models"

// DefaultTradeCapacity is the number of trades kept per symbol.
const DefaultTradeCapacity = 50

// TradeWindow is a fixed capacity FIFO of recent trades.
type TradeWindow struct {
	buf   []models.Trade
	start int
	size  int
	ids   map[string]struct{}
}

func NewTradeWindow(capacity int, dedupe bool) *TradeWindow {
	if capacity <= 0 {
		capacity = DefaultTradeCapacity
	}
	w := &TradeWindow{buf: make([]models.Trade, capacity)}
	if dedupe {
		w.ids = make(map[string]struct{}, capacity)
	}
	return w
}

// Append adds a trade, evicting the oldest one when full. It returns false
// when the trade id is already in the window and dedupe is enabled.
func (w *TradeWindow) Append(tr models.Trade) bool {
	if w.ids != nil && tr.TradeID != "" {
		if _, seen := w.ids[tr.TradeID]; seen {
			return false
		}
	}

	capacity := len(w.buf)
	if w.size == capacity {
		evicted := w.buf[w.start]
		if w.ids != nil {
			delete(w.ids, evicted.TradeID)
		}
		w.buf[w.start] = tr
		w.start = (w.start + 1) % capacity
	} else {
		w.buf[(w.start+w.size)%capacity] = tr
		w.size++
	}

	if w.ids != nil && tr.TradeID != "" {
		w.ids[tr.TradeID] = struct{}{}
	}
	return true
}

// Snapshot returns the trades oldest first.
func (w *TradeWindow) Snapshot() []models.Trade {
	out := make([]models.Trade, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

func (w *TradeWindow) Len() int { return w.size }

func (w *TradeWindow) Cap() int { return len(w.buf) }

// TradeWindows holds one lazily created window per symbol.
type TradeWindows struct {
	windows  map[string]*TradeWindow
	capacity int
	dedupe   bool
}

func NewTradeWindows(capacity int, dedupe bool) *TradeWindows {
	return &TradeWindows{windows: make(map[string]*TradeWindow), capacity: capacity, dedupe: dedupe}
}

// Append adds trades to the symbol's window and returns how many were kept.
func (t *TradeWindows) Append(symbol string, trades ...models.Trade) int {
	w, ok := t.windows[symbol]
	if !ok {
		w = NewTradeWindow(t.capacity, t.dedupe)
		t.windows[symbol] = w
	}
	added := 0
	for _, tr := range trades {
		if w.Append(tr) {
			added++
		}
	}
	return added
}

// Snapshot returns the symbol's trades oldest first and their count.
func (t *TradeWindows) Snapshot(symbol string) ([]models.Trade, int) {
	w, ok := t.windows[symbol]
	if !ok {
		return nil, 0
	}
	return w.Snapshot(), w.Len()
}
