package reader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pricefeed/internal/lifecycle"
	"pricefeed/models"
)

const (
	defaultHeartbeatTimeout = 30 * time.Second
	defaultPingInterval     = 20 * time.Second
	writeTimeout            = 5 * time.Second
	handshakeTimeout        = 10 * time.Second
)

// newDialer builds a websocket dialer, optionally bound to a local address.
func newDialer(localIP string) (*websocket.Dialer, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if localIP != "" {
		ip := net.ParseIP(localIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid local ip %q", localIP)
		}
		dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
	}
	return dialer, nil
}

// wsSession is one websocket connection feeding a connector.
type wsSession struct {
	c       *Connector
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *Connector) dial(ctx context.Context) (lifecycle.Session, error) {
	header := http.Header{}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, &models.TransportError{Op: "dial", Err: err}
	}
	// The venue re-sends snapshots after every subscribe.
	c.books.Reset()
	return &wsSession{c: c, conn: conn}, nil
}

func (s *wsSession) Subscribe(ctx context.Context) error {
	if d, ok := s.c.decoder.(Discoverer); ok {
		if err := d.Discover(ctx); err != nil {
			return fmt.Errorf("discover instruments: %w", err)
		}
	}
	msgs, err := s.c.decoder.SubscribeMessages()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := s.send(msg); err != nil {
			return err
		}
	}
	return nil
}

// Stream reads frames until the connection fails, the heartbeat lapses or
// ctx is cancelled. Cancellation closes the socket to unblock the read.
func (s *wsSession) Stream(ctx context.Context) error {
	heartbeat := s.c.cfg.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatTimeout
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-streamCtx.Done()
		_ = s.conn.Close()
	}()
	go s.pingLoop(streamCtx)

	_ = s.conn.SetReadDeadline(time.Now().Add(heartbeat))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(heartbeat))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return &models.TransportError{Op: "heartbeat", Err: fmt.Errorf("no message for %s", heartbeat)}
			}
			return &models.TransportError{Op: "read", Err: err}
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(heartbeat))
		s.c.handle(streamCtx, msg, time.Now(), s.send)
	}
}

func (s *wsSession) pingLoop(ctx context.Context) {
	interval := s.c.cfg.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pinger, appPing := s.c.decoder.(Pinger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if msg := appPingMessage(pinger, appPing); msg != nil {
				err = s.send(msg)
			} else {
				s.writeMu.Lock()
				err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				s.writeMu.Unlock()
			}
			if err != nil {
				s.c.entry().WithError(err).Warn("failed to send ping")
				_ = s.conn.Close()
				return
			}
		}
	}
}

// appPingMessage is nil when the decoder has no application ping, in which
// case a websocket ping control frame is sent instead.
func appPingMessage(p Pinger, ok bool) []byte {
	if !ok {
		return nil
	}
	return p.PingMessage()
}

func (s *wsSession) send(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return &models.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (s *wsSession) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
