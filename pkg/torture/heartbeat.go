package torture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/torture/pkg/torture/internal"
)

// HeartbeatCheck checks one participant. A non-nil error fails the tick for
// that participant.
type HeartbeatCheck func(ctx context.Context, p *Participant) error

// HeartbeatStatus is the lifecycle of a heartbeat monitor.
type HeartbeatStatus int

const (
	HeartbeatIdle HeartbeatStatus = iota
	HeartbeatRunning
	HeartbeatCompleted
	HeartbeatFailed
	HeartbeatCancelled
)

func (s HeartbeatStatus) String() string {
	switch s {
	case HeartbeatIdle:
		return "idle"
	case HeartbeatRunning:
		return "running"
	case HeartbeatCompleted:
		return "completed"
	case HeartbeatFailed:
		return "failed"
	case HeartbeatCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("HeartbeatStatus(%d)", int(s))
	}
}

// HeartbeatConfig configures a heartbeat monitor.
type HeartbeatConfig struct {
	// Duration is how long the monitor runs. Zero runs until cancelled or,
	// with FailFast, until the first failure.
	Duration time.Duration

	// FailFast stops the monitor on the first failed tick.
	FailFast bool

	// Check runs against every target on each tick
	// (default: CheckIceConnected).
	Check HeartbeatCheck

	// TickTimeout bounds a single tick (default: the tick interval).
	TickTimeout time.Duration
}

// Heartbeat periodically checks a fixed set of participants.
//
// Ticks are independent: only the most recent failure is kept. A tick that
// is in flight when the monitor is cancelled runs to completion, but its
// result is discarded.
type Heartbeat struct {
	targets []*Participant
	cfg     HeartbeatConfig
	clock   internal.Clock
	log     zerolog.Logger
	metrics *Metrics

	mu       sync.Mutex
	status   HeartbeatStatus
	last     *HeartbeatFailure
	ticks    int
	interval time.Duration
	stop     context.CancelFunc
	done     chan struct{}
}

// NewHeartbeat creates a monitor over targets. It does nothing until Start.
func NewHeartbeat(targets []*Participant, cfg HeartbeatConfig, opts ...Option) *Heartbeat {
	if cfg.Check == nil {
		cfg.Check = CheckIceConnected
	}
	s := newSettings(opts)
	return &Heartbeat{
		targets: append([]*Participant(nil), targets...),
		cfg:     cfg,
		clock:   s.clock,
		log:     s.log.With().Str("module", "torture.heartbeat").Logger(),
		metrics: s.metrics,
	}
}

// Start schedules the first tick after initialDelay and then one tick per
// interval. The monitor stops when ctx is done.
func (h *Heartbeat) Start(ctx context.Context, initialDelay, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("heartbeat: interval must be positive, got %v", interval)
	}
	if initialDelay < 0 {
		initialDelay = 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != HeartbeatIdle {
		return ErrMonitorStarted
	}
	loopCtx, stop := context.WithCancel(ctx)
	h.status = HeartbeatRunning
	h.interval = interval
	h.stop = stop
	h.done = make(chan struct{})

	h.log.Info().
		Int("targets", len(h.targets)).
		Dur("initial_delay", initialDelay).
		Dur("interval", interval).
		Dur("duration", h.cfg.Duration).
		Bool("fail_fast", h.cfg.FailFast).
		Msg("heartbeat started")

	go h.run(loopCtx, initialDelay, interval)
	return nil
}

func (h *Heartbeat) run(ctx context.Context, initialDelay, interval time.Duration) {
	defer close(h.done)
	defer h.stop()

	start := h.clock.Now()
	if err := h.clock.Sleep(ctx, initialDelay); err != nil {
		h.finish(HeartbeatCancelled)
		return
	}

	for tick := 1; ; tick++ {
		at := internal.Since(h.clock, start)
		if h.cfg.Duration > 0 && at >= h.cfg.Duration {
			h.finish(HeartbeatCompleted)
			return
		}

		failure := h.tick(ctx, tick, at, interval)
		if ctx.Err() != nil {
			// Cancelled while the tick was in flight.
			h.finish(HeartbeatCancelled)
			return
		}
		h.record(failure)
		if failure != nil && h.cfg.FailFast {
			h.log.Error().Err(failure).Msg("heartbeat failed, stopping")
			return
		}

		if err := h.clock.Sleep(ctx, interval); err != nil {
			h.finish(HeartbeatCancelled)
			return
		}
	}
}

// tick checks every target concurrently. The checks are detached from ctx
// so that cancellation never interrupts a tick midway.
func (h *Heartbeat) tick(ctx context.Context, tick int, at, interval time.Duration) *HeartbeatFailure {
	timeout := h.cfg.TickTimeout
	if timeout <= 0 {
		timeout = interval
	}
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	errs := make([]error, len(h.targets))
	var g errgroup.Group
	for i, p := range h.targets {
		g.Go(func() error {
			errs[i] = h.cfg.Check(tickCtx, p)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			return &HeartbeatFailure{Target: h.targets[i].Name(), Tick: tick, At: at, Reason: err}
		}
	}
	h.log.Debug().Int("tick", tick).Msg("heartbeat ok")
	return nil
}

func (h *Heartbeat) record(failure *HeartbeatFailure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticks++
	h.metrics.heartbeatTick()
	if failure == nil {
		return
	}
	h.last = failure
	if h.status == HeartbeatRunning {
		h.status = HeartbeatFailed
	}
	h.metrics.heartbeatFailure(failure.Target)
	h.log.Warn().Str("participant", failure.Target).Int("tick", failure.Tick).Err(failure.Reason).Msg("heartbeat tick failed")
}

// finish sets a terminal status unless one is already set.
func (h *Heartbeat) finish(status HeartbeatStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == HeartbeatRunning {
		h.status = status
		h.log.Info().Str("status", status.String()).Int("ticks", h.ticks).Msg("heartbeat stopped")
	}
}

// Await blocks until the monitor stops or ctx is done. It returns nil when
// the configured duration elapsed without failures, the last
// *HeartbeatFailure when any tick failed, and ErrMonitorCancelled when the
// monitor was cancelled first.
func (h *Heartbeat) Await(ctx context.Context) error {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done == nil {
		return ErrMonitorNotStarted
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrMonitorRunning, ctx.Err())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.status {
	case HeartbeatFailed:
		return h.last
	case HeartbeatCancelled:
		return ErrMonitorCancelled
	default:
		return nil
	}
}

// Cancel stops scheduling ticks. It waits for an in-flight tick at most one
// interval and never reports that tick's result. Cancelling a stopped or
// never-started monitor is a no-op.
func (h *Heartbeat) Cancel() {
	h.mu.Lock()
	if h.done == nil {
		h.mu.Unlock()
		return
	}
	stop, done, interval := h.stop, h.done, h.interval
	if h.status == HeartbeatRunning {
		h.status = HeartbeatCancelled
		h.log.Info().Int("ticks", h.ticks).Msg("heartbeat cancelled")
	}
	h.mu.Unlock()

	stop()
	t := time.NewTimer(interval)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		h.log.Warn().Msg("heartbeat tick still in flight after cancel")
	}
}

// Status returns the monitor's current status.
func (h *Heartbeat) Status() HeartbeatStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// LastFailure returns the most recent failure, or nil.
func (h *Heartbeat) LastFailure() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return nil
	}
	return h.last
}

// Ticks returns how many ticks have completed.
func (h *Heartbeat) Ticks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks
}

// CheckIceConnected fails when the media transport is not connected.
func CheckIceConnected(ctx context.Context, p *Participant) error {
	ok, err := p.IsIceConnected(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrIceDisconnected
	}
	return nil
}

// CheckInMUC fails when the participant is no longer a room member.
func CheckInMUC(ctx context.Context, p *Participant) error {
	ok, err := p.IsInMUC(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInMUC
	}
	return nil
}

// CheckSendReceive fails unless media flows in both directions.
func CheckSendReceive(ctx context.Context, p *Participant) error {
	up, down, err := p.Bitrate(ctx)
	if err != nil {
		return err
	}
	if up <= 0 || down <= 0 {
		return fmt.Errorf("%w: upload %.0f kbps, download %.0f kbps", ErrNoMediaFlow, up, down)
	}
	return nil
}

// AllOf runs checks in order and returns the first failure.
func AllOf(checks ...HeartbeatCheck) HeartbeatCheck {
	return func(ctx context.Context, p *Participant) error {
		for _, check := range checks {
			if err := check(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}
}
