package models

import (
	"errors"
	"fmt"
)

// ErrNoSnapshot is returned when a delta arrives for a book that has no snapshot yet.
var ErrNoSnapshot = errors.New("no snapshot for symbol")

// TransportError marks a connection level failure. The connector reconnects.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError marks a message that could not be decoded or validated. It is
// dropped and the stream continues.
type DecodeError struct {
	Exchange string
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s decode: %s: %v", e.Exchange, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s decode: %s", e.Exchange, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SequenceGapError is returned when a delta does not advance the book's update id.
type SequenceGapError struct {
	Symbol   string
	LastID   int64
	UpdateID int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap on %s: update %d after %d", e.Symbol, e.UpdateID, e.LastID)
}

// PublishError wraps a failed write to the shared store.
type PublishError struct {
	Key string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConfigError reports an invalid connector configuration. Only the named
// connector is disabled.
type ConfigError struct {
	Connector string
	Field     string
	Reason    string
}

func (e *ConfigError) Error() string {
	if e.Connector == "" {
		return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("connector %s: %s: %s", e.Connector, e.Field, e.Reason)
}
