package processor

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"pricefeed/models"
)

// DefaultDepth is the number of levels per side returned by Rank.
const DefaultDepth = 50

// ErrCrossedBook is returned when an update leaves best bid at or above best ask.
// The book is discarded and waits for a fresh snapshot.
var ErrCrossedBook = errors.New("crossed order book")

// RankedBook is a ranked view of one symbol's book.
type RankedBook struct {
	Bids      []models.Level
	Asks      []models.Level
	Spread    decimal.Decimal
	MidPrice  decimal.Decimal
	UpdateID  int64
	Timestamp time.Time
}

type book struct {
	bids         *btree.BTreeG[models.Level]
	asks         *btree.BTreeG[models.Level]
	lastUpdateID int64
	updatedAt    time.Time
	stale        bool
}

func newBook() *book {
	opts := btree.Options{NoLocks: true}
	return &book{
		bids: btree.NewBTreeGOptions(func(a, b models.Level) bool { return a.Price.GreaterThan(b.Price) }, opts),
		asks: btree.NewBTreeGOptions(func(a, b models.Level) bool { return a.Price.LessThan(b.Price) }, opts),
	}
}

// BookKeeper reconstructs order books from snapshots and deltas. It is owned
// by a single connector goroutine and is not safe for concurrent use.
type BookKeeper struct {
	books map[string]*book
	depth int
}

func NewBookKeeper(depth int) *BookKeeper {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &BookKeeper{books: make(map[string]*book), depth: depth}
}

// Apply routes an order book event to ApplySnapshot or ApplyDelta.
func (k *BookKeeper) Apply(symbol string, ev *models.OrderBookEvent) error {
	if ev.Kind == models.BookSnapshot {
		return k.ApplySnapshot(symbol, ev.Bids, ev.Asks, ev.UpdateID, ev.Timestamp)
	}
	return k.ApplyDelta(symbol, ev.Bids, ev.Asks, ev.UpdateID, ev.Timestamp)
}

// ApplySnapshot replaces the symbol's book. Zero quantity levels are dropped.
func (k *BookKeeper) ApplySnapshot(symbol string, bids, asks []models.Level, updateID int64, ts time.Time) error {
	b := newBook()
	for _, lvl := range bids {
		if lvl.Quantity.IsPositive() {
			b.bids.Set(lvl)
		}
	}
	for _, lvl := range asks {
		if lvl.Quantity.IsPositive() {
			b.asks.Set(lvl)
		}
	}
	b.lastUpdateID = updateID
	b.updatedAt = ts

	if crossed(b) {
		delete(k.books, symbol)
		return ErrCrossedBook
	}
	k.books[symbol] = b
	return nil
}

// ApplyDelta merges an incremental update. The update id must strictly
// increase; otherwise the delta is not applied, a *models.SequenceGapError is
// returned and the book is marked stale until the next snapshot. A stale book
// keeps its levels but is excluded from Rank and rejects further deltas.
func (k *BookKeeper) ApplyDelta(symbol string, bids, asks []models.Level, updateID int64, ts time.Time) error {
	b, ok := k.books[symbol]
	if !ok || b.stale {
		return models.ErrNoSnapshot
	}
	if updateID <= b.lastUpdateID {
		b.stale = true
		return &models.SequenceGapError{Symbol: symbol, LastID: b.lastUpdateID, UpdateID: updateID}
	}

	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.lastUpdateID = updateID
	b.updatedAt = ts

	if crossed(b) {
		delete(k.books, symbol)
		return ErrCrossedBook
	}
	return nil
}

func applyLevels(tree *btree.BTreeG[models.Level], levels []models.Level) {
	for _, lvl := range levels {
		if lvl.Quantity.IsPositive() {
			tree.Set(lvl)
		} else {
			tree.Delete(models.Level{Price: lvl.Price})
		}
	}
}

// crossed reports a book whose best bid reaches the best ask. A locked book
// (bid == ask) counts.
func crossed(b *book) bool {
	bid, okBid := b.bids.Min()
	ask, okAsk := b.asks.Min()
	return okBid && okAsk && bid.Price.GreaterThanOrEqual(ask.Price)
}

// Rank returns the top depth levels of each side. depth <= 0 uses the
// keeper's default. ok is false when the symbol has no usable book.
func (k *BookKeeper) Rank(symbol string, depth int) (RankedBook, bool) {
	b, ok := k.books[symbol]
	if !ok || b.stale {
		return RankedBook{}, false
	}
	if depth <= 0 {
		depth = k.depth
	}

	out := RankedBook{
		Bids:      topLevels(b.bids, depth),
		Asks:      topLevels(b.asks, depth),
		Spread:    decimal.Zero,
		MidPrice:  decimal.Zero,
		UpdateID:  b.lastUpdateID,
		Timestamp: b.updatedAt,
	}
	if len(out.Bids) > 0 && len(out.Asks) > 0 {
		bestBid, bestAsk := out.Bids[0].Price, out.Asks[0].Price
		out.Spread = bestAsk.Sub(bestBid)
		out.MidPrice = bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	}
	return out, true
}

func topLevels(tree *btree.BTreeG[models.Level], depth int) []models.Level {
	levels := make([]models.Level, 0, min(depth, tree.Len()))
	tree.Scan(func(lvl models.Level) bool {
		levels = append(levels, lvl)
		return len(levels) < depth
	})
	return levels
}

// NeedsSnapshot reports whether deltas for symbol would be rejected.
func (k *BookKeeper) NeedsSnapshot(symbol string) bool {
	b, ok := k.books[symbol]
	return !ok || b.stale
}

// LastUpdateID returns the sequence id of the last applied update.
func (k *BookKeeper) LastUpdateID(symbol string) (int64, bool) {
	b, ok := k.books[symbol]
	if !ok {
		return 0, false
	}
	return b.lastUpdateID, true
}

// Discard drops the symbol's book.
func (k *BookKeeper) Discard(symbol string) {
	delete(k.books, symbol)
}

// Reset drops every book. Called when the transport session is re-established.
func (k *BookKeeper) Reset() {
	clear(k.books)
}

// Len returns the number of books held, stale ones included.
func (k *BookKeeper) Len() int {
	return len(k.books)
}
