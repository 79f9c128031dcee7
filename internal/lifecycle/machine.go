package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pricefeed/logger"
	"pricefeed/models"
)

// ErrAlreadyRunning is returned by Start when the machine has not stopped yet.
var ErrAlreadyRunning = errors.New("already running")

// Session is one live transport session.
type Session interface {
	// Subscribe sends the subscription requests.
	Subscribe(ctx context.Context) error
	// Stream reads until the session fails or ctx is cancelled. It must
	// return promptly once ctx is done.
	Stream(ctx context.Context) error
	Close() error
}

// Dialer opens a new session.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Session, error)

func (f DialFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// TransitionFunc observes state changes.
type TransitionFunc func(from, to Status, st State)

type Options struct {
	Backoff      BackoffPolicy
	OnTransition TransitionFunc
	Log          *logger.Log
}

// Machine drives one connector through
// Disconnected -> Connecting -> Subscribing -> Streaming, falling back to
// Backoff on any failure and retrying until stopped. At most one session is
// open at a time.
type Machine struct {
	name   string
	dialer Dialer
	opts   Options
	log    *logger.Log

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func NewMachine(name string, dialer Dialer, opts Options) *Machine {
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	m := &Machine{
		name:   name,
		dialer: dialer,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}
	m.state = State{Status: Disconnected, Since: m.now()}
	return m
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start launches the run loop. It returns ErrAlreadyRunning unless the
// machine is Disconnected or Stopped.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		select {
		case <-m.done:
		default:
			m.mu.Unlock()
			return fmt.Errorf("%s: %w", m.name, ErrAlreadyRunning)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.state.RetryCount = 0
	m.state.NextRetryAt = time.Time{}
	m.mu.Unlock()

	m.transition(Disconnected, "")
	go m.run(runCtx, done)
	return nil
}

// Stop cancels any pending wait or read and waits for the loop to exit or
// ctx to expire. Valid from any state.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if done == nil {
		m.transition(Stopped, "")
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	m.transition(Stopping, "")
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: stop: %w", m.name, ctx.Err())
	}
}

// Done is closed when the current run loop exits. Nil before the first Start.
func (m *Machine) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

func (m *Machine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.transition(Stopped, "")

	log := m.log.WithComponent("lifecycle").WithFields(logger.Fields{"connector": m.name})

	for ctx.Err() == nil {
		err := m.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = &models.TransportError{Op: "stream", Err: errors.New("session closed")}
		}

		m.mu.Lock()
		retry := m.state.RetryCount
		delay := m.opts.Backoff.Delay(retry)
		m.state.RetryCount++
		m.state.NextRetryAt = m.now().Add(delay)
		m.mu.Unlock()

		m.transition(Backoff, err.Error())
		log.WithError(err).WithFields(logger.Fields{
			"retry":    retry + 1,
			"delay_ms": delay.Milliseconds(),
		}).Warn("connection failed, backing off")

		if !wait(ctx, delay) {
			return
		}
	}
}

// session runs one connect/subscribe/stream cycle. A panic inside the cycle
// is turned into an error so the loop keeps retrying.
func (m *Machine) session(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
		}
	}()

	m.transition(Connecting, "")
	sess, err := m.dialer.Dial(ctx)
	if err != nil {
		return asTransport("dial", err)
	}
	defer sess.Close()

	if ctx.Err() != nil {
		return nil
	}
	m.transition(Subscribing, "")
	if err := sess.Subscribe(ctx); err != nil {
		return asTransport("subscribe", err)
	}

	m.mu.Lock()
	m.state.RetryCount = 0
	m.state.NextRetryAt = time.Time{}
	m.mu.Unlock()
	m.transition(Streaming, "")

	if err := sess.Stream(ctx); err != nil {
		return asTransport("stream", err)
	}
	return nil
}

func (m *Machine) transition(to Status, lastErr string) {
	m.mu.Lock()
	from := m.state.Status
	// Stopping only ever leads to Stopped, and a loop that already exited
	// never goes back to Stopping.
	if from == to || (from == Stopping && to != Stopped) || (from == Stopped && to == Stopping) {
		m.mu.Unlock()
		return
	}
	m.state.Status = to
	m.state.Since = m.now()
	if lastErr != "" {
		m.state.LastError = lastErr
	}
	if to != Backoff {
		m.state.NextRetryAt = time.Time{}
	}
	st := m.state
	hook := m.opts.OnTransition
	m.mu.Unlock()

	m.log.WithComponent("lifecycle").WithFields(logger.Fields{
		"connector": m.name,
		"from":      from.String(),
		"to":        to.String(),
		"retry":     st.RetryCount,
	}).Debug("state transition")

	if hook != nil {
		hook(from, to, st)
	}
}

func asTransport(op string, err error) error {
	var te *models.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &models.TransportError{Op: op, Err: err}
}

// wait blocks for d or until ctx is done. It reports whether the full delay elapsed.
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
