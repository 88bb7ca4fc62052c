// Package cdpdriver implements the driver capability with chromedp.
package cdpdriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/thesyncim/torture/pkg/torture/driver"
)

// Launcher allocates one Chrome process per session.
type Launcher struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewLauncher creates a Launcher.
func NewLauncher() *Launcher {
	return &Launcher{sessions: make(map[*Session]struct{})}
}

func allocatorOptions(opts driver.BrowserOptions) []chromedp.ExecAllocatorOption {
	out := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("use-fake-device-for-media-stream", true),
		chromedp.Flag("use-fake-ui-for-media-stream", true),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
	)
	if opts.Binary != "" {
		out = append(out, chromedp.ExecPath(opts.Binary))
	}
	if opts.FakeVideo != "" {
		out = append(out, chromedp.Flag("use-file-for-fake-video-capture", opts.FakeVideo))
	}
	if opts.FakeAudio != "" {
		out = append(out, chromedp.Flag("use-file-for-fake-audio-capture", opts.FakeAudio))
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		out = append(out, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	for _, f := range opts.Flags {
		name, value, hasValue := strings.Cut(strings.TrimLeft(f, "-"), "=")
		if hasValue {
			out = append(out, chromedp.Flag(name, value))
		} else {
			out = append(out, chromedp.Flag(name, true))
		}
	}
	return out
}

// Launch starts a browser and opens its first tab.
func (l *Launcher) Launch(ctx context.Context, slot string, opts driver.BrowserOptions) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The allocator is rooted at Background: cancelling it kills Chrome,
	// and the session must survive the launch context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run starts the browser.
	startCtx, stop := context.WithCancel(browserCtx)
	defer stop()
	cancelOnDone := context.AfterFunc(ctx, stop)
	defer cancelOnDone()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch Chrome for %s: %w", slot, err)
	}

	id := slot
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		id = slot + "/" + string(c.Target.TargetID)
	}
	s := &Session{
		id:     id,
		ctx:    browserCtx,
		cancel: func() { browserCancel(); allocCancel() },
		owner:  l,
	}
	l.mu.Lock()
	l.sessions[s] = struct{}{}
	l.mu.Unlock()
	return s, nil
}

// Close quits every live session.
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

// Session is a chromedp browser context.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	owner  *Launcher
	closed atomic.Bool
}

var _ driver.Session = (*Session)(nil)

func (s *Session) ID() string { return s.id }

// run executes actions on the browser context, aborting when ctx is done.
// Cancelling a context derived from the browser context aborts the actions
// without closing the tab.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.closed.Load() {
		return driver.ErrSessionClosed
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url in the session's tab.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		if errors.Is(err, driver.ErrSessionClosed) {
			return err
		}
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// ExecuteScript runs script as the body of an async function and returns
// its result by value. A thrown exception becomes a *driver.ScriptError.
func (s *Session) ExecuteScript(ctx context.Context, script string) (driver.Value, error) {
	var obj *runtime.RemoteObject
	expr := "(async () => {" + script + "})()"
	err := s.run(ctx, chromedp.Evaluate(expr, &obj, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true).WithReturnByValue(true)
	}))
	if err != nil {
		var exc *runtime.ExceptionDetails
		if errors.As(err, &exc) {
			return driver.NullValue(), &driver.ScriptError{Script: script, Message: exc.Error(), Err: err}
		}
		if errors.Is(err, driver.ErrSessionClosed) {
			return driver.NullValue(), err
		}
		return driver.NullValue(), fmt.Errorf("eval failed: %w", err)
	}
	if obj == nil || obj.Type == runtime.TypeUndefined {
		return driver.NullValue(), nil
	}
	return driver.FromJSON([]byte(obj.Value))
}

// CurrentURL returns the tab's location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// Quit cancels the browser context, which terminates Chrome.
func (s *Session) Quit() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.owner.mu.Lock()
	delete(s.owner.sessions, s)
	s.owner.mu.Unlock()

	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close Chrome %s: %w", s.id, err)
	}
	return nil
}
