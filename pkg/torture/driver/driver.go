// Package driver defines the browser capability a conference participant
// is driven through. Implementations live in the roddriver and cdpdriver
// subpackages; the rest of the harness only sees Session and Launcher.
package driver

//go:generate mockgen -source=driver.go -destination=drivermock/mock_driver.go -package=drivermock

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrSessionClosed is returned by every Session call made after Quit.
var ErrSessionClosed = errors.New("browser session closed")

// Session is a single isolated browser session.
//
// Scripts passed to ExecuteScript are function bodies: they are expected to
// end with a return statement, e.g. "return document.title;". Promises
// returned by the body are awaited.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	ExecuteScript(ctx context.Context, script string) (Value, error)
	CurrentURL(ctx context.Context) (string, error)
	Quit() error
}

// Launcher starts browser sessions.
type Launcher interface {
	Launch(ctx context.Context, slot string, opts BrowserOptions) (Session, error)
	Close() error
}

// BrowserOptions configures a browser at launch time. Options are never
// applied to a running session.
type BrowserOptions struct {
	Headless bool   // Run without a visible window
	Binary   string // Browser executable; empty uses the driver default

	FakeVideo string // File fed to the fake capture device (y4m/mjpeg)
	FakeAudio string // File fed to the fake audio device (wav)

	// Flags are extra command-line switches, either "name" or "name=value".
	Flags []string

	WindowWidth  int
	WindowHeight int

	// Imitated marks a participant whose media is not expected to connect;
	// failing to reach ICE connected is logged rather than returned.
	Imitated bool

	// SkipIceWait joins without waiting for ICE at all.
	SkipIceWait bool
}

// DefaultBrowserOptions returns headless options suitable for CI.
func DefaultBrowserOptions() BrowserOptions {
	return BrowserOptions{
		Headless:     true,
		WindowWidth:  1280,
		WindowHeight: 720,
	}
}

// Equal reports whether o and other would launch identical browsers.
func (o BrowserOptions) Equal(other BrowserOptions) bool {
	return o.Headless == other.Headless &&
		o.Binary == other.Binary &&
		o.FakeVideo == other.FakeVideo &&
		o.FakeAudio == other.FakeAudio &&
		slices.Equal(o.Flags, other.Flags) &&
		o.WindowWidth == other.WindowWidth &&
		o.WindowHeight == other.WindowHeight &&
		o.Imitated == other.Imitated &&
		o.SkipIceWait == other.SkipIceWait
}

// Clone returns a copy that shares no slices with o.
func (o BrowserOptions) Clone() BrowserOptions {
	o.Flags = slices.Clone(o.Flags)
	return o
}

// ScriptError reports a script that threw inside the browser.
type ScriptError struct {
	Script  string
	Message string
	Err     error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script error: %s", e.Message)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// IsScriptError reports whether err carries a browser-side script failure.
func IsScriptError(err error) bool {
	var se *ScriptError
	return errors.As(err, &se)
}
