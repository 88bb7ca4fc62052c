// Package roddriver implements the driver capability on top of Rod.
// Every session owns its own Chrome process so participants are fully
// isolated from each other.
package roddriver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/thesyncim/torture/pkg/torture/driver"
)

// Config configures the launcher.
type Config struct {
	NavigateTimeout time.Duration // Upper bound for a page load (default: 30s)
}

// DefaultConfig returns sensible defaults for conference tests.
func DefaultConfig() Config {
	return Config{
		NavigateTimeout: 30 * time.Second,
	}
}

// Launcher starts one WebRTC-ready Chrome per session.
type Launcher struct {
	cfg Config

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg Config) *Launcher {
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = DefaultConfig().NavigateTimeout
	}
	return &Launcher{
		cfg:      cfg,
		sessions: make(map[*Session]struct{}),
	}
}

// Launch starts Chrome configured with:
//   - Fake media streams (no real camera/mic required)
//   - Auto-granted media permissions
//   - No sandbox (for container compatibility)
//   - Autoplay without user gesture
func (l *Launcher) Launch(ctx context.Context, slot string, opts driver.BrowserOptions) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The browser outlives ctx, so it is not bound to the launch context.
	ln := launcher.New().
		Headless(opts.Headless).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("use-fake-device-for-media-stream").
		Set("use-fake-ui-for-media-stream").
		Set("autoplay-policy", "no-user-gesture-required")

	if opts.Binary != "" {
		ln = ln.Bin(opts.Binary)
	}
	if opts.FakeVideo != "" {
		ln = ln.Set("use-file-for-fake-video-capture", opts.FakeVideo)
	}
	if opts.FakeAudio != "" {
		ln = ln.Set("use-file-for-fake-audio-capture", opts.FakeAudio)
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		ln = ln.Set("window-size", strconv.Itoa(opts.WindowWidth)+","+strconv.Itoa(opts.WindowHeight))
	}
	for _, f := range opts.Flags {
		name, value, hasValue := strings.Cut(strings.TrimLeft(f, "-"), "=")
		if hasValue {
			ln = ln.Set(flags.Flag(name), value)
		} else {
			ln = ln.Set(flags.Flag(name))
		}
	}

	controlURL, err := ln.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch Chrome for %s: %w", slot, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		ln.Kill()
		return nil, fmt.Errorf("failed to connect to Chrome for %s: %w", slot, err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		ln.Kill()
		return nil, fmt.Errorf("failed to open page for %s: %w", slot, err)
	}

	s := &Session{
		id:       slot + "/" + string(page.TargetID),
		launcher: ln,
		browser:  browser,
		page:     page,
		timeout:  l.cfg.NavigateTimeout,
		owner:    l,
	}
	l.mu.Lock()
	l.sessions[s] = struct{}{}
	l.mu.Unlock()
	return s, nil
}

// Close quits every session this launcher started and has not yet quit.
func (l *Launcher) Close() error {
	l.mu.Lock()
	sessions := make([]*Session, 0, len(l.sessions))
	for s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Quit(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Launcher) forget(s *Session) {
	l.mu.Lock()
	delete(l.sessions, s)
	l.mu.Unlock()
}

// Session is a single Chrome process with one page.
type Session struct {
	id       string
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	timeout  time.Duration
	owner    *Launcher
	closed   atomic.Bool
}

var _ driver.Session = (*Session)(nil)

func (s *Session) ID() string { return s.id }

// Navigate opens url and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.closed.Load() {
		return driver.ErrSessionClosed
	}
	p := s.page.Context(ctx).Timeout(s.timeout)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("failed waiting for %s to load: %w", url, err)
	}
	return nil
}

// ExecuteScript runs script as the body of an async-capable function.
func (s *Session) ExecuteScript(ctx context.Context, script string) (driver.Value, error) {
	if s.closed.Load() {
		return driver.NullValue(), driver.ErrSessionClosed
	}
	res, err := s.page.Context(ctx).Eval("() => {" + script + "}")
	if err != nil {
		var evalErr *rod.EvalError
		if errors.As(err, &evalErr) {
			return driver.NullValue(), &driver.ScriptError{Script: script, Message: evalErr.Error(), Err: err}
		}
		return driver.NullValue(), fmt.Errorf("eval failed: %w", err)
	}
	return valueOf(res.Value), nil
}

func valueOf(j gson.JSON) driver.Value {
	if j.Nil() {
		return driver.NullValue()
	}
	return driver.FromAny(j.Val())
}

// CurrentURL reports the URL of the page.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", driver.ErrSessionClosed
	}
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("failed to read page info: %w", err)
	}
	return info.URL, nil
}

// Quit closes the browser and kills its process. Safe to call repeatedly.
func (s *Session) Quit() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.owner.forget(s)
	err := s.browser.Close()
	s.launcher.Kill()
	s.launcher.Cleanup()
	if err != nil {
		return fmt.Errorf("failed to close Chrome %s: %w", s.id, err)
	}
	return nil
}
