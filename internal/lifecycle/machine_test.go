package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	subscribeErr error
	streamErr    error
	block        bool
	closed       atomic.Bool
}

func (s *fakeSession) Subscribe(ctx context.Context) error { return s.subscribeErr }

func (s *fakeSession) Stream(ctx context.Context) error {
	if s.block {
		<-ctx.Done()
		return nil
	}
	return s.streamErr
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type recorder struct {
	mu  sync.Mutex
	seq []Status
}

func (r *recorder) hook(_, to Status, _ State) {
	r.mu.Lock()
	r.seq = append(r.seq, to)
	r.mu.Unlock()
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.seq...)
}

func fastBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Millisecond, Max: 4 * time.Millisecond}
}

func TestMachineReachesStreaming(t *testing.T) {
	rec := &recorder{}
	sess := &fakeSession{block: true}
	m := NewMachine("ok", DialFunc(func(ctx context.Context) (Session, error) { return sess, nil }),
		Options{Backoff: fastBackoff(), OnTransition: rec.hook})

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State().Status == Streaming }, time.Second, time.Millisecond)

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	require.Equal(t, Stopped, m.State().Status)
	require.True(t, sess.closed.Load(), "session must be closed on stop")

	require.Equal(t, []Status{Connecting, Subscribing, Streaming, Stopping, Stopped}, rec.statuses())
}

func TestMachineRetriesAndResetsOnStreaming(t *testing.T) {
	var dials atomic.Int32
	m := NewMachine("flaky", DialFunc(func(ctx context.Context) (Session, error) {
		if dials.Add(1) <= 3 {
			return nil, errors.New("connection refused")
		}
		return &fakeSession{block: true}, nil
	}), Options{Backoff: fastBackoff()})

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State().Status == Streaming }, time.Second, time.Millisecond)

	st := m.State()
	require.Equal(t, 0, st.RetryCount)
	require.Contains(t, st.LastError, "connection refused")
	require.EqualValues(t, 4, dials.Load())

	require.NoError(t, m.Stop(context.Background()))
}

func TestMachineRetryCountGrowsWhileFailing(t *testing.T) {
	m := NewMachine("down", DialFunc(func(ctx context.Context) (Session, error) {
		return &fakeSession{subscribeErr: errors.New("rejected")}, nil
	}), Options{Backoff: fastBackoff()})

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State().RetryCount >= 5 }, 2*time.Second, time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))
}

func TestStopDuringBackoffIsPrompt(t *testing.T) {
	m := NewMachine("backoff", DialFunc(func(ctx context.Context) (Session, error) {
		return nil, errors.New("unreachable")
	}), Options{Backoff: BackoffPolicy{Base: time.Hour, Max: time.Hour}})

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State().Status == Backoff }, time.Second, time.Millisecond)
	require.False(t, m.State().NextRetryAt.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	started := time.Now()
	require.NoError(t, m.Stop(ctx))
	require.Less(t, time.Since(started), 2*time.Second)
	require.Equal(t, Stopped, m.State().Status)
}

func TestMachineRecoversFromPanic(t *testing.T) {
	var dials atomic.Int32
	m := NewMachine("panicky", DialFunc(func(ctx context.Context) (Session, error) {
		if dials.Add(1) == 1 {
			panic("boom")
		}
		return &fakeSession{block: true}, nil
	}), Options{Backoff: fastBackoff()})

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State().Status == Streaming }, time.Second, time.Millisecond)
	require.Contains(t, m.State().LastError, "boom")
	require.NoError(t, m.Stop(context.Background()))
}

func TestMachineRestartAfterStop(t *testing.T) {
	m := NewMachine("restart", DialFunc(func(ctx context.Context) (Session, error) {
		return &fakeSession{block: true}, nil
	}), Options{Backoff: fastBackoff()})

	require.NoError(t, m.Stop(context.Background()))
	require.Equal(t, Stopped, m.State().Status)

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Start(context.Background()))
		require.Eventually(t, func() bool { return m.State().Status == Streaming }, time.Second, time.Millisecond)
		require.NoError(t, m.Stop(context.Background()))
		require.Equal(t, Stopped, m.State().Status)
	}
}

func TestLateStoppingAfterExitStaysStopped(t *testing.T) {
	rec := &recorder{}
	sess := &fakeSession{block: true}
	m := NewMachine("late", DialFunc(func(ctx context.Context) (Session, error) { return sess, nil }),
		Options{Backoff: fastBackoff(), OnTransition: rec.hook})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool { return m.State().Status == Streaming }, time.Second, time.Millisecond)

	// The parent context ends the loop on its own.
	cancel()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	require.Equal(t, Stopped, m.State().Status)

	// A Stop that raced the exit arrives after the loop finished.
	m.transition(Stopping, "")
	require.Equal(t, Stopped, m.State().Status)
	require.NoError(t, m.Stop(context.Background()))
	require.Equal(t, Stopped, m.State().Status)
	require.NotContains(t, rec.statuses(), Stopping)
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "streaming", Streaming.String())
	require.Equal(t, "unknown", Status(42).String())
}
