package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pricefeed/logger"
	"pricefeed/reader"
	"pricefeed/writer"
)

const (
	ControlKeyPrefix = "service:control:"
	StatusKeyPrefix  = "service:status:"

	commandTTL       = 60 * time.Second
	defaultStatusTTL = 300 * time.Second
)

// Command is the JSON value of a service:control:{id} key.
type Command struct {
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

// ServiceStatus is the JSON value mirrored to service:status:{id}.
type ServiceStatus struct {
	Status     string        `json:"status"`
	LastUpdate string        `json:"last_update"`
	Details    reader.Status `json:"details"`
}

func ControlKey(id string) string { return ControlKeyPrefix + id }

func StatusKey(id string) string { return StatusKeyPrefix + id }

// SendCommand writes a pending command for id. It expires after a minute if
// no orchestrator picks it up.
func SendCommand(ctx context.Context, store writer.Store, id, action string) error {
	raw, err := json.Marshal(Command{Action: action, Timestamp: time.Now().UTC().Format(writer.TimestampLayout)})
	if err != nil {
		return err
	}
	return store.Set(ctx, ControlKey(id), string(raw), commandTTL)
}

// ControlStatus maps a connector state onto the coarse status vocabulary
// shared with external dashboards.
func ControlStatus(state string) string {
	switch state {
	case "streaming", statePolling:
		return "running"
	case "connecting", "subscribing":
		return "starting"
	case "backoff", "error":
		return "error"
	case "stopping":
		return "stopping"
	default:
		return "stopped"
	}
}

type ControlOptions struct {
	PollInterval   time.Duration
	StatusInterval time.Duration
	StatusTTL      time.Duration
}

// Controller bridges the orchestrator to Redis: it applies commands found
// under service:control:* and mirrors statuses to service:status:*.
type Controller struct {
	orch  *Orchestrator
	store writer.Store
	opts  ControlOptions
	log   *logger.Entry
	now   func() time.Time
}

func NewController(orch *Orchestrator, store writer.Store, opts ControlOptions) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 5 * time.Second
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = defaultStatusTTL
	}
	return &Controller{
		orch:  orch,
		store: store,
		opts:  opts,
		log:   logger.GetLogger().WithComponent("control"),
		now:   time.Now,
	}
}

// Run polls for commands and publishes statuses until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()
	mirror := time.NewTicker(c.opts.StatusInterval)
	defer mirror.Stop()

	c.MirrorStatuses(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			c.PollCommands(ctx)
		case <-mirror.C:
			c.MirrorStatuses(ctx)
		}
	}
}

// PollCommands applies and clears every pending command. It returns how many
// were queued to the orchestrator.
func (c *Controller) PollCommands(ctx context.Context) int {
	applied := 0
	for _, id := range c.orch.IDs() {
		raw, err := c.store.Get(ctx, ControlKey(id))
		if errors.Is(err, writer.ErrNotFound) {
			continue
		}
		log := c.log.WithFields(logger.Fields{"connector": id})
		if err != nil {
			log.WithError(err).Warn("failed to read control command")
			continue
		}

		var cmd Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			log.WithError(err).Warn("malformed control command dropped")
		} else if err := c.orch.Apply(id, cmd.Action); err != nil {
			log.WithError(err).WithFields(logger.Fields{"action": cmd.Action}).Warn("control command rejected")
		} else {
			log.WithFields(logger.Fields{"action": cmd.Action, "sent_at": cmd.Timestamp}).Info("control command accepted")
			applied++
		}

		if err := c.store.Del(ctx, ControlKey(id)); err != nil {
			log.WithError(err).Warn("failed to clear control command")
		}
	}
	return applied
}

// MirrorStatuses writes every connector's status with the status TTL.
func (c *Controller) MirrorStatuses(ctx context.Context) {
	ts := c.now().UTC().Format(writer.TimestampLayout)
	for _, st := range c.orch.Statuses() {
		raw, err := json.Marshal(ServiceStatus{
			Status:     ControlStatus(st.State),
			LastUpdate: ts,
			Details:    st,
		})
		if err != nil {
			continue
		}
		if err := c.store.Set(ctx, StatusKey(st.ID), string(raw), c.opts.StatusTTL); err != nil {
			c.log.WithError(err).WithFields(logger.Fields{"connector": st.ID}).Warn("failed to mirror status")
		}
	}
}
