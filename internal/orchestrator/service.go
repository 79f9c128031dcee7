package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"pricefeed/internal/lifecycle"
	"pricefeed/logger"
	"pricefeed/reader"
	"pricefeed/reader/funding"
	"pricefeed/writer"
)

// Service is one independently controlled pipeline. *reader.Connector is the
// streaming implementation.
type Service interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() reader.Status
	// Done is closed when the service's run loop exits; nil before Start.
	Done() <-chan struct{}
}

const statePolling = "polling"

// fundingService runs a funding poller without a stream, for venues whose
// only data is a REST funding endpoint.
type fundingService struct {
	id        string
	exchange  string
	poller    *funding.Poller
	publisher *writer.Publisher
	log       *logger.Log

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
	lastErr string
}

func newFundingService(id, exchange string, poller *funding.Poller, publisher *writer.Publisher) *fundingService {
	return &fundingService{
		id:        id,
		exchange:  exchange,
		poller:    poller,
		publisher: publisher,
		log:       logger.GetLogger(),
		stopped:   true,
	}
}

func (s *fundingService) ID() string { return s.id }

func (s *fundingService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return fmt.Errorf("%s: %w", s.id, lifecycle.ErrAlreadyRunning)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done, s.stopped = cancel, done, false
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.mu.Lock()
				s.lastErr = fmt.Sprintf("panic: %v", r)
				s.mu.Unlock()
				s.log.WithComponent("orchestrator").WithFields(logger.Fields{
					"connector": s.id,
					"panic":     r,
				}).Error("funding service panicked")
			}
		}()
		s.poller.Run(runCtx)
	}()
	return nil
}

func (s *fundingService) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.stopped = true
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: stop: %w", s.id, ctx.Err())
	}
}

func (s *fundingService) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *fundingService) Status() reader.Status {
	s.mu.Lock()
	state := lifecycle.Stopped.String()
	if s.done != nil && !s.stopped {
		select {
		case <-s.done:
		default:
			state = statePolling
		}
	}
	lastErr := s.lastErr
	s.mu.Unlock()

	return reader.Status{
		ID:           s.id,
		Exchange:     s.exchange,
		State:        state,
		DataCount:    s.publisher.Published(),
		LastUpdate:   s.publisher.LastWrite(),
		LastError:    lastErr,
		PublishFails: s.publisher.Failed(),
	}
}
