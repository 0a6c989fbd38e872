package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seantiz/sandbox/internal/model"
)

// Controller defaults.
const (
	DefaultInterval       = 30 * time.Second
	DefaultStartThreshold = 1
	DefaultCooldown       = 10 * time.Minute
)

// Demand is the task backlog seen by the controller.
type Demand struct {
	Queued  int
	Running int
}

// Total returns queued plus running tasks.
func (d Demand) Total() int {
	return d.Queued + d.Running
}

// DemandSource reports the current backlog.
type DemandSource interface {
	Demand(ctx context.Context) (Demand, error)
}

// TaskCounter counts tasks by state. The task stores implement it.
type TaskCounter interface {
	CountTasks(ctx context.Context, state string) (int, error)
}

// StoreDemand derives demand from task counts: new tasks are queued and
// in-progress tasks are running.
type StoreDemand struct {
	Tasks TaskCounter
}

func (s StoreDemand) Demand(ctx context.Context) (Demand, error) {
	queued, err := s.Tasks.CountTasks(ctx, model.StateNew)
	if err != nil {
		return Demand{}, fmt.Errorf("count queued tasks: %w", err)
	}
	running, err := s.Tasks.CountTasks(ctx, model.StateInProgress)
	if err != nil {
		return Demand{}, fmt.Errorf("count running tasks: %w", err)
	}
	return Demand{Queued: queued, Running: running}, nil
}

// ControllerConfig configures the scaling loop.
type ControllerConfig struct {
	Instances      []InstanceRef
	Interval       time.Duration
	StartThreshold int
	Cooldown       time.Duration

	// BackOff returns the retry policy for one provider call.
	BackOff func() backoff.BackOff

	// Now is the clock, for tests.
	Now func() time.Time
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StartThreshold <= 0 {
		c.StartThreshold = DefaultStartThreshold
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.BackOff == nil {
		c.BackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = time.Minute
			return backoff.WithMaxRetries(b, 5)
		}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Controller starts instances when work is queued and stops them once the
// backlog has been empty for the cooldown window.
type Controller struct {
	cfg      ControllerConfig
	provider Provider
	demand   DemandSource
	logger   *slog.Logger

	mu        sync.Mutex
	states    map[InstanceRef]PowerState
	idleSince time.Time
}

// NewController creates a controller for the configured instance set.
func NewController(cfg ControllerConfig, provider Provider, demand DemandSource, logger *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	states := make(map[InstanceRef]PowerState, len(cfg.Instances))
	for _, ref := range cfg.Instances {
		states[ref] = StateUnknown
	}
	return &Controller{
		cfg:      cfg,
		provider: provider,
		demand:   demand,
		logger:   logger,
		states:   states,
	}
}

// Run reconciles on every tick until ctx is cancelled. Failures are logged
// and never end the loop.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("autoscaler started",
		"instances", len(c.cfg.Instances),
		"interval", c.cfg.Interval.String(),
		"start_threshold", c.cfg.StartThreshold,
		"cooldown", c.cfg.Cooldown.String(),
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := c.Reconcile(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("reconcile failed", "error", err)
		}
		select {
		case <-ctx.Done():
			c.logger.Info("autoscaler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Reconcile runs one pass of the scaling policy. It returns an error only
// when demand cannot be observed; provider failures are logged.
func (c *Controller) Reconcile(ctx context.Context) error {
	d, err := c.demand.Demand(ctx)
	if err != nil {
		return fmt.Errorf("observe demand: %w", err)
	}
	backlogGauge.WithLabelValues("queued").Set(float64(d.Queued))
	backlogGauge.WithLabelValues("running").Set(float64(d.Running))

	c.refresh(ctx)

	if d.Total() == 0 {
		c.scaleDown(ctx)
		return nil
	}

	c.mu.Lock()
	c.idleSince = time.Time{}
	c.mu.Unlock()

	if d.Queued < c.cfg.StartThreshold {
		return nil
	}
	c.scaleUp(ctx, min(len(c.cfg.Instances), d.Total()))
	return nil
}

func (c *Controller) scaleUp(ctx context.Context, desired int) {
	active := 0
	var stopped []InstanceRef
	for _, inst := range c.Instances() {
		switch {
		case inst.State.Active():
			active++
		case inst.State == StateStopped:
			stopped = append(stopped, inst.Ref)
		}
	}

	for _, ref := range stopped {
		if active >= desired {
			return
		}
		if err := c.StartInstance(ctx, ref); err != nil {
			c.logger.Error("start instance failed", "instance", ref.String(), "error", err)
			continue
		}
		active++
	}
}

func (c *Controller) scaleDown(ctx context.Context) {
	now := c.cfg.Now()
	c.mu.Lock()
	if c.idleSince.IsZero() {
		c.idleSince = now
	}
	idle := now.Sub(c.idleSince)
	c.mu.Unlock()

	if idle < c.cfg.Cooldown {
		return
	}
	for _, inst := range c.Instances() {
		if !inst.State.Active() {
			continue
		}
		if err := c.StopInstance(ctx, inst.Ref); err != nil {
			c.logger.Error("stop instance failed", "instance", inst.Ref.String(), "error", err)
		}
	}
}

// refresh polls the provider for the state of every managed instance.
func (c *Controller) refresh(ctx context.Context) {
	counts := make(map[PowerState]int)
	for _, ref := range c.cfg.Instances {
		var state PowerState
		err := c.retry(ctx, "state", func() error {
			var err error
			state, err = c.provider.State(ctx, ref)
			return err
		})
		if err != nil {
			c.logger.Warn("instance state unavailable", "instance", ref.String(), "error", err)
			state = StateUnknown
		}
		c.setState(ref, state)
		counts[state]++
	}
	for _, s := range []PowerState{StateStopped, StateStarting, StateRunning, StateStopping, StateUnknown} {
		instancesByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// StartInstance asks the provider to start ref, retrying transient failures.
func (c *Controller) StartInstance(ctx context.Context, ref InstanceRef) error {
	if err := c.retry(ctx, "start", func() error { return c.provider.Start(ctx, ref) }); err != nil {
		return err
	}
	instanceActionsTotal.WithLabelValues("start").Inc()
	c.setState(ref, StateStarting)
	c.logger.Info("instance start requested", "instance", ref.String())
	return nil
}

// StopInstance asks the provider to stop ref, retrying transient failures.
func (c *Controller) StopInstance(ctx context.Context, ref InstanceRef) error {
	if err := c.retry(ctx, "stop", func() error { return c.provider.Stop(ctx, ref) }); err != nil {
		return err
	}
	instanceActionsTotal.WithLabelValues("stop").Inc()
	c.setState(ref, StateStopping)
	c.logger.Info("instance stop requested", "instance", ref.String())
	return nil
}

// Instances returns the managed instances with their last observed state.
func (c *Controller) Instances() []Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Instance, 0, len(c.cfg.Instances))
	for _, ref := range c.cfg.Instances {
		out = append(out, Instance{Ref: ref, State: c.states[ref]})
	}
	return out
}

func (c *Controller) setState(ref InstanceRef, s PowerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[ref]; ok {
		c.states[ref] = s
	}
}

func (c *Controller) retry(ctx context.Context, op string, fn func() error) error {
	notify := func(err error, next time.Duration) {
		c.logger.Warn("provider call failed, retrying", "op", op, "error", err, "backoff", next.String())
	}
	wrapped := func() error {
		err := fn()
		if err != nil {
			providerErrorsTotal.WithLabelValues(op).Inc()
		}
		if errors.Is(err, ErrAuth) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(wrapped, backoff.WithContext(c.cfg.BackOff(), ctx), notify)
}
