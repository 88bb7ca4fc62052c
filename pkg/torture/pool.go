package torture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/thesyncim/torture/pkg/torture/driver"
	"github.com/thesyncim/torture/pkg/torture/meeturl"
)

// JoinSpec is the requested URL and options for one slot. A nil field keeps
// what the slot already has, or the pool default for a new slot.
type JoinSpec struct {
	URL     *meeturl.URL
	Options *driver.BrowserOptions
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// BaseURL is the conference joined by slots without a URL of their own.
	BaseURL *meeturl.URL

	// DefaultOptions apply to every new slot without options of its own.
	DefaultOptions driver.BrowserOptions

	// SlotOptions override DefaultOptions per slot name.
	SlotOptions map[string]driver.BrowserOptions

	Timeouts Timeouts

	// Parallelism bounds how many participants are set up at once
	// (default: 4).
	Parallelism int

	// LaunchRate limits browser launches per second. Zero is unlimited.
	LaunchRate  rate.Limit
	LaunchBurst int // default: 1
}

// DefaultPoolConfig returns a configuration with headless browsers and
// default timeouts. BaseURL must still be set.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		DefaultOptions: driver.DefaultBrowserOptions(),
		Timeouts:       DefaultTimeouts(),
		Parallelism:    4,
		LaunchBurst:    1,
	}
}

// SlotName returns the identity of the i-th slot, counting from zero.
func SlotName(i int) string {
	return "participant" + strconv.Itoa(i+1)
}

func slotIndex(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "participant"))
	if err != nil {
		return -1
	}
	return n - 1
}

// Pool creates, indexes and retires participants. It is the only owner of
// the slot to participant mapping and holds at most one live session per
// slot.
type Pool struct {
	launcher driver.Launcher
	cfg      PoolConfig
	limiter  *rate.Limiter
	options  []Option
	settings settings
	log      zerolog.Logger

	// ensureMu serializes EnsureParticipants and CloseAll.
	ensureMu sync.Mutex

	mu    sync.Mutex
	slots map[string]*Participant
}

// NewPool creates a pool launching browsers through launcher.
func NewPool(launcher driver.Launcher, cfg PoolConfig, opts ...Option) *Pool {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.LaunchBurst <= 0 {
		cfg.LaunchBurst = 1
	}
	limit := cfg.LaunchRate
	if limit <= 0 {
		limit = rate.Inf
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()
	s := newSettings(opts)
	return &Pool{
		launcher: launcher,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.LaunchBurst),
		options:  opts,
		settings: s,
		log:      s.log.With().Str("module", "torture.pool").Logger(),
		slots:    make(map[string]*Participant),
	}
}

// Participant returns the participant in slot, or nil.
func (p *Pool) Participant(slot string) *Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[slot]
}

// Participants returns the current participants in slot order.
func (p *Pool) Participants() []*Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.slots))
	for name := range p.slots {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return slotIndex(names[i]) < slotIndex(names[j]) })
	out := make([]*Participant, len(names))
	for i, name := range names {
		out[i] = p.slots[name]
	}
	return out
}

// Len returns the number of occupied slots.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

func (p *Pool) take(slot string) *Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	part := p.slots[slot]
	delete(p.slots, slot)
	return part
}

func (p *Pool) put(slot string, part *Participant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[slot] = part
}

// Close hangs up and closes the participant in slot and frees the slot.
// Closing an empty slot is a no-op.
func (p *Pool) Close(ctx context.Context, slot string) error {
	part := p.take(slot)
	if part == nil {
		return nil
	}
	return retire(ctx, part)
}

func retire(ctx context.Context, part *Participant) error {
	hangErr := part.HangUp(ctx)
	if err := part.Close(); err != nil {
		return err
	}
	if hangErr != nil && !errors.Is(hangErr, driver.ErrSessionClosed) {
		part.log.Warn().Err(hangErr).Msg("hang up failed before close")
	}
	return nil
}

// CloseAll tears down every participant. A failure on one participant does
// not stop the others from being closed; all failures are returned as
// CloseErrors.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.ensureMu.Lock()
	defer p.ensureMu.Unlock()

	var errs CloseErrors
	for _, part := range p.Participants() {
		p.take(part.Name())
		if err := retire(ctx, part); err != nil {
			p.log.Error().Err(err).Str("participant", part.Name()).Msg("close failed")
			errs = append(errs, &CloseError{Slot: part.Name(), Err: err})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// EnsureParticipants makes sure the first n slots hold joined participants
// and returns them in slot order.
//
// specs[i] applies to slot i; missing or nil fields keep the slot as it is.
// A slot whose participant holds a different URL or options than requested
// is torn down and recreated, never changed in place. Slots are set up in
// parallel; the first setup failure cancels the rest and is returned.
// Participants created before a failure stay in the pool for CloseAll.
func (p *Pool) EnsureParticipants(ctx context.Context, n int, specs ...JoinSpec) ([]*Participant, error) {
	if n < 0 {
		return nil, fmt.Errorf("ensure participants: negative count %d", n)
	}
	if len(specs) > n {
		return nil, fmt.Errorf("ensure participants: %d specs for %d participants", len(specs), n)
	}

	p.ensureMu.Lock()
	defer p.ensureMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallelism)

	created := 0
	for i := range n {
		var spec JoinSpec
		if i < len(specs) {
			spec = specs[i]
		}
		slot := SlotName(i)
		existing := p.Participant(slot)
		if existing != nil && p.reusable(existing, spec) {
			p.log.Debug().Str("participant", slot).Msg("reusing participant")
			continue
		}

		u, opts, err := p.resolve(slot, existing, spec)
		if err != nil {
			_ = g.Wait()
			return nil, err
		}
		if existing != nil {
			p.log.Info().Str("participant", slot).Msg("recreating participant with new configuration")
			p.take(slot)
			if err := retire(ctx, existing); err != nil {
				p.log.Warn().Err(err).Str("participant", slot).Msg("close before recreate failed")
			}
		}

		created++
		g.Go(func() error {
			return p.create(gctx, slot, u, opts)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if created > 0 {
		p.log.Info().Int("created", created).Int("total", n).Msg("participants ready")
	}

	out := make([]*Participant, n)
	for i := range n {
		out[i] = p.Participant(SlotName(i))
	}
	return out, nil
}

func (p *Pool) reusable(part *Participant, spec JoinSpec) bool {
	state := part.State()
	if state.Gone() || state < StateJoinedMUC {
		return false
	}
	if spec.URL != nil && !spec.URL.SameTarget(part.URL()) {
		return false
	}
	if spec.Options != nil && !spec.Options.Equal(part.Options()) {
		return false
	}
	return true
}

// resolve picks the URL and options for a slot about to be (re)created.
func (p *Pool) resolve(slot string, existing *Participant, spec JoinSpec) (*meeturl.URL, driver.BrowserOptions, error) {
	var u *meeturl.URL
	switch {
	case spec.URL != nil:
		u = spec.URL.Copy()
	case existing != nil && existing.URL() != nil:
		u = existing.URL()
	case p.cfg.BaseURL != nil:
		u = p.cfg.BaseURL.Copy()
	default:
		return nil, driver.BrowserOptions{}, fmt.Errorf("%s: no conference URL configured", slot)
	}

	var opts driver.BrowserOptions
	switch {
	case spec.Options != nil:
		opts = spec.Options.Clone()
	case existing != nil:
		opts = existing.Options()
	default:
		if o, ok := p.cfg.SlotOptions[slot]; ok {
			opts = o.Clone()
		} else {
			opts = p.cfg.DefaultOptions.Clone()
		}
	}
	return u, opts, nil
}

func (p *Pool) create(ctx context.Context, slot string, u *meeturl.URL, opts driver.BrowserOptions) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return &SessionCreationError{Slot: slot, Err: err}
	}

	start := p.settings.clock.Now()
	session, err := p.launcher.Launch(ctx, slot, opts)
	if err != nil {
		return &SessionCreationError{Slot: slot, Err: err}
	}
	p.settings.metrics.sessionCreated()

	part := NewParticipant(slot, session, opts, p.cfg.Timeouts, p.options...)
	p.put(slot, part)
	p.log.Info().Str("participant", slot).Str("session", session.ID()).Msg("session created")

	if err := p.join(ctx, part, u); err != nil {
		return err
	}
	p.settings.metrics.joined(p.settings.clock.Now().Sub(start))
	return nil
}

// join drives a fresh participant through navigation, MUC and ICE. Missing
// MUC presence is fatal; missing ICE is fatal only for real participants.
func (p *Pool) join(ctx context.Context, part *Participant, u *meeturl.URL) error {
	if err := part.Join(ctx, u); err != nil {
		return err
	}
	if err := part.WaitToJoinMUC(ctx, p.cfg.Timeouts.MUCJoin); err != nil {
		return err
	}
	opts := part.Options()
	if opts.SkipIceWait {
		return nil
	}
	err := part.WaitForIceConnected(ctx, p.cfg.Timeouts.IceConnected)
	if err != nil && opts.Imitated && ctx.Err() == nil {
		part.log.Warn().Err(err).Msg("ICE did not connect for imitated participant")
		return nil
	}
	return err
}

