package torture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/torture/pkg/torture/driver"
	"github.com/thesyncim/torture/pkg/torture/internal"
	"github.com/thesyncim/torture/pkg/torture/meeturl"
)

// Timeouts bounds participant waits.
type Timeouts struct {
	MUCJoin      time.Duration // Wait for MUC presence (default: 15s)
	IceConnected time.Duration // Wait for ICE connected (default: 15s)
	Query        time.Duration // Short poll behind single-value queries (default: 5s)
	PollInterval time.Duration // Pause between evaluations (default: 500ms)
}

// DefaultTimeouts returns the waits used by the pool.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		MUCJoin:      15 * time.Second,
		IceConnected: 15 * time.Second,
		Query:        5 * time.Second,
		PollInterval: DefaultPollInterval,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.MUCJoin <= 0 {
		t.MUCJoin = d.MUCJoin
	}
	if t.IceConnected <= 0 {
		t.IceConnected = d.IceConnected
	}
	if t.Query <= 0 {
		t.Query = d.Query
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	return t
}

// Participant is one browser session bound to a conference.
//
// State transitions happen in order: created, joining, joined_muc,
// ice_connected, then left or closed. Closed is terminal and reachable from
// any state.
type Participant struct {
	name     string
	session  driver.Session
	options  driver.BrowserOptions
	timeouts Timeouts
	clock    internal.Clock
	log      zerolog.Logger
	metrics  *Metrics

	mu    sync.Mutex
	state State
	url   *meeturl.URL
}

// NewParticipant binds a browser session to a slot name. The pool is the
// normal way to obtain participants; this is exported for harnesses that
// manage sessions themselves.
func NewParticipant(name string, session driver.Session, opts driver.BrowserOptions, timeouts Timeouts, options ...Option) *Participant {
	s := newSettings(options)
	return &Participant{
		name:     name,
		session:  session,
		options:  opts.Clone(),
		timeouts: timeouts.withDefaults(),
		clock:    s.clock,
		log:      s.log.With().Str("module", "torture.participant").Str("participant", name).Logger(),
		metrics:  s.metrics,
	}
}

// Name returns the slot name, e.g. "participant1".
func (p *Participant) Name() string { return p.name }

// Options returns the launch options. They never change after creation.
func (p *Participant) Options() driver.BrowserOptions { return p.options.Clone() }

// State returns the current state.
func (p *Participant) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// URL returns a copy of the conference URL the participant joined, or nil
// before Join.
func (p *Participant) URL() *meeturl.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == nil {
		return nil
	}
	return p.url.Copy()
}

func (p *Participant) advance(to State) error {
	p.mu.Lock()
	from := p.state
	if !canTransition(from, to) {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w: %s -> %s", p.name, ErrInvalidTransition, from, to)
	}
	p.state = to
	p.mu.Unlock()

	p.metrics.transition(to)
	p.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state transition")
	return nil
}

func (p *Participant) windowExpr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == nil {
		return windowExpr("")
	}
	return windowExpr(p.url.IframeTarget())
}

func (p *Participant) script(tmpl string) string {
	return fmt.Sprintf(tmpl, p.windowExpr())
}

// Join navigates to u and moves the participant to joining.
func (p *Participant) Join(ctx context.Context, u *meeturl.URL) error {
	p.mu.Lock()
	state := p.state
	if state != StateCreated {
		p.mu.Unlock()
		if state.Gone() {
			return fmt.Errorf("%s: %w", p.name, ErrParticipantGone)
		}
		return fmt.Errorf("%s: %w: join from %s", p.name, ErrInvalidTransition, state)
	}
	p.url = u.Copy()
	p.mu.Unlock()

	target := u.String()
	p.log.Info().Str("url", target).Msg("joining conference")
	if err := p.session.Navigate(ctx, target); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return p.advance(StateJoining)
}

// WaitToJoinMUC waits until the conference reports the participant as a
// room member. A timeout of 0 waits until ctx is done.
func (p *Participant) WaitToJoinMUC(ctx context.Context, timeout time.Duration) error {
	state := p.State()
	switch {
	case state.Gone():
		return fmt.Errorf("%s: %w", p.name, ErrParticipantGone)
	case state >= StateJoinedMUC:
		return nil
	case state < StateJoining:
		return fmt.Errorf("%s: %w: wait for MUC from %s", p.name, ErrInvalidTransition, state)
	}

	err := p.poll(ctx, scriptCheck(p.session, p.script(scriptInMUC), driver.Value.Truthy), &PollOptions{
		What:    p.name + " to join MUC",
		Timeout: timeout,
	})
	if err != nil {
		return err
	}
	return p.advance(StateJoinedMUC)
}

// WaitForIceConnected waits until the media transport is connected.
// A timeout of 0 waits until ctx is done.
func (p *Participant) WaitForIceConnected(ctx context.Context, timeout time.Duration) error {
	state := p.State()
	switch {
	case state.Gone():
		return fmt.Errorf("%s: %w", p.name, ErrParticipantGone)
	case state >= StateIceConnected:
		return nil
	case state < StateJoinedMUC:
		return fmt.Errorf("%s: %w: wait for ICE from %s", p.name, ErrInvalidTransition, state)
	}

	err := p.poll(ctx, scriptCheck(p.session, p.script(scriptIceConnected), isConnectedState), &PollOptions{
		What:    p.name + " ICE connected",
		Timeout: timeout,
	})
	if err != nil {
		return err
	}
	return p.advance(StateIceConnected)
}

func isConnectedState(v driver.Value) bool {
	s := strings.ToLower(v.Str())
	return s == "connected" || s == "completed"
}

// WaitForSendReceiveData waits until both upload and download bitrates are
// above zero.
func (p *Participant) WaitForSendReceiveData(ctx context.Context, timeout time.Duration) error {
	if err := p.requireInConference(); err != nil {
		return err
	}
	return p.poll(ctx, scriptCheck(p.session, p.script(scriptBitrate), func(v driver.Value) bool {
		return v.Field("upload").Num() > 0 && v.Field("download").Num() > 0
	}), &PollOptions{
		What:    p.name + " to send and receive data",
		Timeout: timeout,
	})
}

// WaitForRemoteParticipants waits until n remote members are visible.
func (p *Participant) WaitForRemoteParticipants(ctx context.Context, n int, timeout time.Duration) error {
	if err := p.requireInConference(); err != nil {
		return err
	}
	return p.poll(ctx, scriptCheck(p.session, p.script(scriptRemoteCount), func(v driver.Value) bool {
		return v.Kind() == driver.KindNumber && int(v.Num()) >= n
	}), &PollOptions{
		What:    fmt.Sprintf("%s to see %d remote participant(s)", p.name, n),
		Timeout: timeout,
	})
}

// HangUp leaves the conference. Calling it on a participant that already
// left or was closed is a no-op.
func (p *Participant) HangUp(ctx context.Context) error {
	state := p.State()
	if state.Gone() {
		return nil
	}
	var err error
	if state.InConference() {
		_, err = p.session.ExecuteScript(ctx, p.script(scriptHangUp))
	}
	if aerr := p.advance(StateLeft); aerr != nil {
		// Lost a race with another HangUp or Close.
		return nil
	}
	p.log.Info().Msg("left conference")
	if err != nil {
		return fmt.Errorf("%s: hang up: %w", p.name, err)
	}
	return nil
}

// Close quits the browser session. It is idempotent.
func (p *Participant) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosed
	p.mu.Unlock()

	p.metrics.transition(StateClosed)
	p.metrics.sessionClosed()
	p.log.Info().Msg("closing session")
	if err := p.session.Quit(); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return nil
}

// ExecuteScript runs a script once. Script errors are returned as is and
// never retried.
func (p *Participant) ExecuteScript(ctx context.Context, script string) (driver.Value, error) {
	if p.State() == StateClosed {
		return driver.NullValue(), fmt.Errorf("%s: %w", p.name, driver.ErrSessionClosed)
	}
	return p.session.ExecuteScript(ctx, script)
}

// EndpointID returns the participant's endpoint id in the conference.
func (p *Participant) EndpointID(ctx context.Context) (string, error) {
	v, err := p.query(ctx, "endpoint id", scriptEndpointID, func(v driver.Value) bool {
		return v.Str() != ""
	})
	return v.Str(), err
}

// IsModerator reports whether the participant holds the moderator role.
func (p *Participant) IsModerator(ctx context.Context) (bool, error) {
	v, err := p.query(ctx, "moderator role", scriptModerator, func(v driver.Value) bool {
		return v.Kind() == driver.KindBool
	})
	return v.Bool(), err
}

// Protocol returns the media transport protocol, "udp" or "tcp".
func (p *Participant) Protocol(ctx context.Context) (string, error) {
	v, err := p.query(ctx, "transport protocol", scriptProtocol, func(v driver.Value) bool {
		s := strings.ToLower(v.Str())
		return s == "udp" || s == "tcp"
	})
	return strings.ToLower(v.Str()), err
}

// RemoteParticipantCount returns how many other members are in the room.
func (p *Participant) RemoteParticipantCount(ctx context.Context) (int, error) {
	v, err := p.query(ctx, "remote participant count", scriptRemoteCount, func(v driver.Value) bool {
		return v.Kind() == driver.KindNumber
	})
	return int(v.Num()), err
}

// IsInMUC evaluates MUC membership once.
func (p *Participant) IsInMUC(ctx context.Context) (bool, error) {
	v, err := p.ExecuteScript(ctx, p.script(scriptInMUC))
	return v.Truthy(), err
}

// IsIceConnected evaluates the transport state once.
func (p *Participant) IsIceConnected(ctx context.Context) (bool, error) {
	v, err := p.ExecuteScript(ctx, p.script(scriptIceConnected))
	return isConnectedState(v), err
}

// IsP2P reports whether media flows peer to peer.
func (p *Participant) IsP2P(ctx context.Context) (bool, error) {
	v, err := p.ExecuteScript(ctx, p.script(scriptP2P))
	return v.Truthy(), err
}

// Bitrate returns the current upload and download bitrates in kbps.
func (p *Participant) Bitrate(ctx context.Context) (upload, download float64, err error) {
	v, err := p.ExecuteScript(ctx, p.script(scriptBitrate))
	if err != nil {
		return 0, 0, err
	}
	return v.Field("upload").Num(), v.Field("download").Num(), nil
}

// query polls a script for up to the query timeout until accept holds.
func (p *Participant) query(ctx context.Context, what, tmpl string, accept func(driver.Value) bool) (driver.Value, error) {
	if err := p.requireInConference(); err != nil {
		return driver.NullValue(), err
	}
	var last driver.Value
	check := scriptCheck(p.session, p.script(tmpl), accept)
	err := p.poll(ctx, func(ctx context.Context) (driver.Value, bool, error) {
		v, ok, err := check(ctx)
		if err == nil {
			last = v
		}
		return v, ok, err
	}, &PollOptions{
		What:    p.name + " " + what,
		Timeout: p.timeouts.Query,
	})
	return last, err
}

func (p *Participant) requireInConference() error {
	state := p.State()
	if state.Gone() {
		return fmt.Errorf("%s: %w", p.name, ErrParticipantGone)
	}
	if !state.InConference() {
		return fmt.Errorf("%s: %w: not in a conference (%s)", p.name, ErrInvalidTransition, state)
	}
	return nil
}

func (p *Participant) poll(ctx context.Context, check Check, opts *PollOptions) error {
	if opts.Interval == 0 {
		opts.Interval = p.timeouts.PollInterval
	}
	return poll(ctx, p.clock, check, opts)
}
