// Package options streams option chains whose instruments are listed over
// REST instead of configured. Chains roll daily, so the list is refreshed
// before every subscribe.
package options

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pricefeed/logger"
	"pricefeed/models"
	"pricefeed/reader"
)

// Instrument is one listed option contract.
type Instrument struct {
	Symbol       string
	Underlying   string
	Put          bool
	OpenInterest float64
}

// Lister fetches the venue's live option contracts.
type Lister interface {
	Name() string
	List(ctx context.Context) ([]Instrument, error)
}

// Selection bounds how many contracts are streamed.
type Selection struct {
	// Underlyings restricts and orders the chains. Empty takes every
	// underlying in listing order.
	Underlyings []string
	// PerUnderlying caps each chain, split evenly between calls and puts
	// ranked by open interest. All ignores it.
	PerUnderlying int
	All           bool
	// Max caps the total after the per-chain pick.
	Max int
}

const (
	DefaultPerUnderlying = 10
	DefaultMax           = 500
)

// Select picks the contracts to stream.
func Select(insts []Instrument, sel Selection) []string {
	byUnderlying := map[string][]Instrument{}
	var order []string
	for _, in := range insts {
		if in.Symbol == "" {
			continue
		}
		u := strings.ToUpper(in.Underlying)
		if _, seen := byUnderlying[u]; !seen {
			order = append(order, u)
		}
		byUnderlying[u] = append(byUnderlying[u], in)
	}
	if len(sel.Underlyings) > 0 {
		order = order[:0]
		for _, u := range sel.Underlyings {
			order = append(order, strings.ToUpper(strings.TrimSpace(u)))
		}
	}

	perSide := sel.PerUnderlying / 2
	if perSide <= 0 {
		perSide = DefaultPerUnderlying / 2
	}
	var out []string
	for _, u := range order {
		var calls, puts []Instrument
		for _, in := range byUnderlying[u] {
			if in.Put {
				puts = append(puts, in)
			} else {
				calls = append(calls, in)
			}
		}
		out = append(out, top(calls, perSide, sel.All)...)
		out = append(out, top(puts, perSide, sel.All)...)
	}

	limit := sel.Max
	if limit <= 0 {
		limit = DefaultMax
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func top(insts []Instrument, n int, all bool) []string {
	sort.SliceStable(insts, func(i, j int) bool {
		return insts[i].OpenInterest > insts[j].OpenInterest
	})
	if !all && len(insts) > n {
		insts = insts[:n]
	}
	out := make([]string, len(insts))
	for i, in := range insts {
		out[i] = in.Symbol
	}
	return out
}

var errNotDiscovered = errors.New("no instruments discovered yet")

// Decoder wraps a venue decoder whose symbol list comes from a Lister. Each
// Discover rebuilds the wrapped decoder for the current chain; a failed
// listing keeps the previous chain when there is one.
type Decoder struct {
	lister  Lister
	build   reader.DecoderFactory
	opts    reader.Options
	sel     Selection
	timeout time.Duration

	mu      sync.RWMutex
	current reader.Decoder
	symbols []string
}

func New(lister Lister, build reader.DecoderFactory, opts reader.Options, sel Selection, timeout time.Duration) *Decoder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Decoder{lister: lister, build: build, opts: opts, sel: sel, timeout: timeout}
}

func (d *Decoder) Discover(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	insts, err := d.lister.List(ctx)
	if err == nil {
		syms := Select(insts, d.sel)
		if len(syms) == 0 {
			err = fmt.Errorf("%s: no option contracts matched", d.lister.Name())
		} else {
			err = d.rebuild(syms)
		}
	}
	if err != nil {
		d.mu.RLock()
		have := d.current != nil
		d.mu.RUnlock()
		if have {
			logger.GetLogger().WithComponent("options").WithError(err).
				WithFields(logger.Fields{"exchange": d.lister.Name()}).
				Warn("instrument discovery failed, keeping previous chain")
			return nil
		}
		return err
	}
	return nil
}

func (d *Decoder) rebuild(syms []string) error {
	opts := d.opts
	opts.Symbols = syms
	dec, err := d.build(opts)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.current, d.symbols = dec, syms
	d.mu.Unlock()
	return nil
}

// Symbols returns the contracts of the last successful discovery.
func (d *Decoder) Symbols() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.symbols...)
}

func (d *Decoder) inner() reader.Decoder {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

func (d *Decoder) Exchange() string { return d.lister.Name() }

func (d *Decoder) SubscribeMessages() ([][]byte, error) {
	dec := d.inner()
	if dec == nil {
		return nil, errNotDiscovered
	}
	return dec.SubscribeMessages()
}

func (d *Decoder) Decode(msg []byte, received time.Time) ([]models.Event, error) {
	dec := d.inner()
	if dec == nil {
		return nil, nil
	}
	return dec.Decode(msg, received)
}

func (d *Decoder) PingMessage() []byte {
	if p, ok := d.inner().(reader.Pinger); ok {
		return p.PingMessage()
	}
	return nil
}

func (d *Decoder) ResyncMessages(sourceSymbol string) [][]byte {
	if r, ok := d.inner().(reader.Resyncer); ok {
		return r.ResyncMessages(sourceSymbol)
	}
	return nil
}
