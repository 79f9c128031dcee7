package lifecycle

import "time"

// Status is the connection lifecycle state of a connector.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Subscribing
	Streaming
	Backoff
	Stopping
	Stopped
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Backoff:
		return "backoff"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State is a point-in-time copy of a machine's state.
type State struct {
	Status      Status    `json:"-"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Since       time.Time `json:"since"`
}
