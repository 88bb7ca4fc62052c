package torture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/torture/pkg/torture/driver"
	"github.com/thesyncim/torture/pkg/torture/meeturl"
)

// DefaultRoomPrefix prefixes random room names.
const DefaultRoomPrefix = "torture"

// Run is the state of one test run: its pool, its conference and the
// heartbeat monitors it started. Everything it owns is released by
// Teardown.
type Run struct {
	pool    *Pool
	baseURL *meeturl.URL
	opts    []Option
	log     zerolog.Logger

	mu       sync.Mutex
	monitors []*Heartbeat
}

// NewRun creates a run over launcher. A base URL without a room name gets
// a random one so that concurrent runs never share a conference.
func NewRun(launcher driver.Launcher, cfg PoolConfig, opts ...Option) (*Run, error) {
	if cfg.BaseURL == nil {
		return nil, errors.New("new run: base URL is required")
	}
	base := cfg.BaseURL.Copy()
	if base.RoomName() == "" {
		base.SetRoomName(meeturl.RandomRoomName(DefaultRoomPrefix))
	}
	cfg.BaseURL = base

	s := newSettings(opts)
	r := &Run{
		pool:    NewPool(launcher, cfg, opts...),
		baseURL: base,
		opts:    opts,
		log:     s.log.With().Str("module", "torture.run").Str("room", base.RoomName()).Logger(),
	}
	return r, nil
}

// BaseURL returns a copy of the conference URL participants join by
// default.
func (r *Run) BaseURL() *meeturl.URL { return r.baseURL.Copy() }

// Pool returns the participant pool the run drives.
func (r *Run) Pool() *Pool { return r.pool }

// Ensure makes sure n participants are joined. See Pool.EnsureParticipants.
func (r *Run) Ensure(ctx context.Context, n int, specs ...JoinSpec) ([]*Participant, error) {
	return r.pool.EnsureParticipants(ctx, n, specs...)
}

// StartHeartbeat starts a monitor over targets. Teardown cancels it if it
// is still running.
func (r *Run) StartHeartbeat(ctx context.Context, targets []*Participant, cfg HeartbeatConfig, initialDelay, interval time.Duration) (*Heartbeat, error) {
	hb := NewHeartbeat(targets, cfg, r.opts...)
	if err := hb.Start(ctx, initialDelay, interval); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.monitors = append(r.monitors, hb)
	r.mu.Unlock()
	return hb, nil
}

// Teardown cancels monitors and closes every participant.
func (r *Run) Teardown(ctx context.Context) error {
	r.mu.Lock()
	monitors := r.monitors
	r.monitors = nil
	r.mu.Unlock()

	for _, hb := range monitors {
		hb.Cancel()
	}
	return r.pool.CloseAll(ctx)
}

// Execute runs fn and returns its outcome. A panic in fn becomes a failed
// outcome.
func (r *Run) Execute(ctx context.Context, name string, fn func(context.Context, *Run) Outcome) (out Outcome) {
	log := r.log.With().Str("test", name).Logger()
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			out = Fail(fmt.Errorf("%s: panic: %v", name, p))
		}
		ev := log.Info()
		if out.Failed() {
			ev = log.Error()
		}
		ev.Str("outcome", out.Status.String()).Str("reason", out.Reason).Dur("elapsed", time.Since(start)).Msg("test finished")
	}()
	return fn(ctx, r)
}
