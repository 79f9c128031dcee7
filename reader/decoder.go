package reader

import (
	"context"
	"time"

	"pricefeed/models"
)

// Options select what a decoder subscribes to.
type Options struct {
	Market    string
	Symbols   []string
	Depth     int
	Ticker    bool
	OrderBook bool
	Trades    bool
}

// Decoder speaks one exchange's streaming protocol.
type Decoder interface {
	// Exchange names the venue for logs and errors.
	Exchange() string
	// SubscribeMessages returns the frames sent after connecting.
	SubscribeMessages() ([][]byte, error)
	// Decode maps one inbound frame to canonical events. Control frames
	// (acks, pongs) return no events and no error.
	Decode(msg []byte, received time.Time) ([]models.Event, error)
}

// Pinger is implemented by decoders whose venue expects an application
// level ping frame instead of (or besides) websocket ping control frames.
type Pinger interface {
	PingMessage() []byte
}

// Resyncer is implemented by decoders that can request a fresh book
// snapshot for one instrument without reconnecting.
type Resyncer interface {
	ResyncMessages(sourceSymbol string) [][]byte
}

// Responder is implemented by decoders whose protocol needs replies to
// inbound control frames, such as a Socket.IO handshake. Replies are written
// on the same session before the frame is decoded.
type Responder interface {
	Respond(msg []byte) [][]byte
}

// Discoverer is implemented by decoders that list their instruments over
// REST. Discover runs before every subscribe so expired instruments fall out.
type Discoverer interface {
	Discover(ctx context.Context) error
}

// DecoderFactory builds a decoder for a connector.
type DecoderFactory func(opts Options) (Decoder, error)
