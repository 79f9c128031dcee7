package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricefeed/internal/lifecycle"
	"pricefeed/internal/metrics"
	"pricefeed/logger"
	"pricefeed/reader"
)

const DefaultShutdownTimeout = 10 * time.Second

var (
	// ErrUnknownConnector is returned for ids that were never built.
	ErrUnknownConnector = errors.New("unknown connector")
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("orchestrator is shut down")
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

type command struct {
	id        string
	action    string
	connector string
}

type Options struct {
	// ShutdownTimeout bounds Shutdown and each individual Stop.
	ShutdownTimeout time.Duration
	// ReportInterval enables periodic per-connector metric reports.
	ReportInterval time.Duration
}

// Orchestrator owns the connector services. Start and Stop requests are
// queued to a single control goroutine; their effect shows up in the next
// status read.
type Orchestrator struct {
	opts     Options
	log      *logger.Log
	services map[string]Service
	order    []string

	// runCtx is the parent of every service run loop.
	runCtx    context.Context
	runCancel context.CancelFunc

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	commands   chan command

	shutdownOnce sync.Once
	shutdownErr  error
}

// New takes ownership of services and starts the control loop. Duplicate ids
// keep the first service.
func New(services []Service, opts Options) *Orchestrator {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	o := &Orchestrator{
		opts:     opts,
		log:      logger.GetLogger(),
		services: make(map[string]Service, len(services)),
		loopDone: make(chan struct{}),
		commands: make(chan command, 64),
	}
	for _, svc := range services {
		if _, dup := o.services[svc.ID()]; dup {
			o.entry().WithFields(logger.Fields{"connector": svc.ID()}).Warn("duplicate connector id ignored")
			continue
		}
		o.services[svc.ID()] = svc
		o.order = append(o.order, svc.ID())
	}
	sort.Strings(o.order)

	o.runCtx, o.runCancel = context.WithCancel(context.Background())
	o.loopCtx, o.loopCancel = context.WithCancel(context.Background())
	go o.loop()
	return o
}

func (o *Orchestrator) entry() *logger.Entry {
	return o.log.WithComponent("orchestrator")
}

// IDs lists the managed connector ids in sorted order.
func (o *Orchestrator) IDs() []string {
	return append([]string(nil), o.order...)
}

// StartAll queues a start for every connector.
func (o *Orchestrator) StartAll() error {
	for _, id := range o.order {
		if err := o.enqueue(id, ActionStart); err != nil {
			return err
		}
	}
	return nil
}

// Start queues a start request. It returns once the request is queued.
func (o *Orchestrator) Start(id string) error {
	return o.enqueue(id, ActionStart)
}

// Stop queues a stop request.
func (o *Orchestrator) Stop(id string) error {
	return o.enqueue(id, ActionStop)
}

// Apply queues action ("start" or "stop") for id.
func (o *Orchestrator) Apply(id, action string) error {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionStart:
		return o.Start(id)
	case ActionStop:
		return o.Stop(id)
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
}

func (o *Orchestrator) enqueue(id, action string) error {
	if _, ok := o.services[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownConnector)
	}
	cmd := command{id: uuid.NewString(), action: action, connector: id}
	select {
	case <-o.loopCtx.Done():
		return ErrClosed
	default:
	}
	select {
	case o.commands <- cmd:
		return nil
	case <-o.loopCtx.Done():
		return ErrClosed
	}
}

// Status returns the current status of one connector.
func (o *Orchestrator) Status(id string) (reader.Status, error) {
	svc, ok := o.services[id]
	if !ok {
		return reader.Status{}, fmt.Errorf("%s: %w", id, ErrUnknownConnector)
	}
	return o.status(svc), nil
}

// Statuses returns every connector's status sorted by id.
func (o *Orchestrator) Statuses() []reader.Status {
	out := make([]reader.Status, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.status(o.services[id]))
	}
	return out
}

func (o *Orchestrator) status(svc Service) (st reader.Status) {
	defer func() {
		if r := recover(); r != nil {
			st = reader.Status{ID: svc.ID(), State: "error", LastError: fmt.Sprintf("status panic: %v", r)}
		}
	}()
	return svc.Status()
}

func (o *Orchestrator) loop() {
	defer close(o.loopDone)

	var report <-chan time.Time
	if o.opts.ReportInterval > 0 {
		ticker := time.NewTicker(o.opts.ReportInterval)
		defer ticker.Stop()
		report = ticker.C
	}

	for {
		select {
		case <-o.loopCtx.Done():
			return
		case cmd := <-o.commands:
			o.apply(cmd)
		case <-report:
			o.report()
		}
	}
}

func (o *Orchestrator) apply(cmd command) {
	svc := o.services[cmd.connector]
	log := o.entry().WithFields(logger.Fields{
		"connector":  cmd.connector,
		"action":     cmd.action,
		"command_id": cmd.id,
	})
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{"panic": r}).Error("connector command panicked")
		}
	}()

	switch cmd.action {
	case ActionStart:
		err := svc.Start(o.runCtx)
		switch {
		case errors.Is(err, lifecycle.ErrAlreadyRunning):
			log.Debug("connector already running")
		case err != nil:
			log.WithError(err).Error("connector failed to start")
		default:
			log.Info("connector start requested")
		}
	case ActionStop:
		ctx, cancel := context.WithTimeout(o.runCtx, o.opts.ShutdownTimeout)
		defer cancel()
		if err := svc.Stop(ctx); err != nil {
			log.WithError(err).Warn("connector did not stop cleanly")
			return
		}
		log.Info("connector stopped")
	}
}

func (o *Orchestrator) report() {
	for _, st := range o.Statuses() {
		metrics.ReportConnector(o.log, metrics.ConnectorStats{
			Connector:    st.ID,
			State:        st.State,
			Messages:     st.Messages,
			Published:    st.DataCount,
			PublishFails: st.PublishFails,
			DecodeErrors: st.DecodeErrors,
			Gaps:         st.Gaps,
			RetryCount:   st.RetryCount,
		})
	}
}

// LogSummary writes one line per managed connector.
func (o *Orchestrator) LogSummary() {
	for _, st := range o.Statuses() {
		o.entry().WithFields(logger.Fields{
			"connector": st.ID,
			"exchange":  st.Exchange,
			"state":     st.State,
		}).Info("connector loaded")
	}
	o.entry().WithFields(logger.Fields{"connectors": len(o.order)}).Info("orchestrator ready")
}

// Shutdown stops the control loop, then stops every connector in parallel.
// Connectors still running when ctx or the shutdown timeout expires are
// abandoned: their run context is cancelled and their ids reported in the
// returned error.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.shutdownErr = o.shutdown(ctx)
	})
	return o.shutdownErr
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.ShutdownTimeout)
	defer cancel()
	start := time.Now()

	o.loopCancel()
	select {
	case <-o.loopDone:
	case <-ctx.Done():
	}

	stopped := make(map[string]bool, len(o.order))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range o.order {
		svc := o.services[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.entry().WithFields(logger.Fields{"connector": svc.ID(), "panic": r}).Error("connector stop panicked")
				}
			}()
			if err := svc.Stop(ctx); err != nil {
				o.entry().WithError(err).WithFields(logger.Fields{"connector": svc.ID()}).Warn("connector did not stop in time")
				return
			}
			mu.Lock()
			stopped[svc.ID()] = true
			mu.Unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	o.runCancel()

	var stragglers []string
	mu.Lock()
	for _, id := range o.order {
		if !stopped[id] {
			stragglers = append(stragglers, id)
		}
	}
	mu.Unlock()

	logger.LogPerformanceEntry(o.entry(), "orchestrator", "shutdown", time.Since(start), logger.Fields{
		"connectors": len(o.order),
		"abandoned":  len(stragglers),
	})
	if len(stragglers) > 0 {
		return fmt.Errorf("abandoned connectors: %s", strings.Join(stragglers, ", "))
	}
	return nil
}
