package torture

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/torture/pkg/torture/driver"
	"github.com/thesyncim/torture/pkg/torture/internal"
)

// fakeConference is the browser-side state a fakeSession reports through the
// conference scripts.
type fakeConference struct {
	Joined    bool
	ICE       string
	P2P       bool
	Endpoint  string
	Moderator bool
	Protocol  string
	Upload    float64
	Download  float64
	Remotes   int
}

// fakeSession answers conference scripts from a fakeConference. Hooks, when
// set, take precedence for the matching script.
type fakeSession struct {
	id string

	mu        sync.Mutex
	conf      fakeConference
	hooks     map[string]func(ctx context.Context, call int) (driver.Value, error)
	calls     map[string]int
	scripts   []string
	navigated []string
	hangups   int
	quits     int
	closed    bool
	quitErr   error
}

func newFakeSession(id string, conf fakeConference) *fakeSession {
	return &fakeSession{
		id:    id,
		conf:  conf,
		hooks: make(map[string]func(context.Context, int) (driver.Value, error)),
		calls: make(map[string]int),
	}
}

// on overrides the answer for scripts of the given kind ("muc", "ice",
// "p2p", "endpoint", "moderator", "protocol", "bitrate", "remotes").
func (s *fakeSession) on(kind string, fn func(call int) (driver.Value, error)) {
	s.onContext(kind, func(_ context.Context, call int) (driver.Value, error) {
		return fn(call)
	})
}

// onContext is like on, but the hook sees the script's context, so it can
// block until the caller gives up.
func (s *fakeSession) onContext(kind string, fn func(ctx context.Context, call int) (driver.Value, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[kind] = fn
}

func (s *fakeSession) update(fn func(*fakeConference)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.conf)
}

func (s *fakeSession) callCount(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

func (s *fakeSession) lastScript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.scripts) == 0 {
		return ""
	}
	return s.scripts[len(s.scripts)-1]
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return driver.ErrSessionClosed
	}
	s.navigated = append(s.navigated, url)
	return nil
}

func scriptKind(script string) string {
	switch {
	case strings.Contains(script, "hangup"):
		return "hangup"
	case strings.Contains(script, "bitrate"):
		return "bitrate"
	case strings.Contains(script, "transport"):
		return "protocol"
	case strings.Contains(script, "isJoined"):
		return "muc"
	case strings.Contains(script, "getConnectionState"):
		return "ice"
	case strings.Contains(script, "isP2PActive"):
		return "p2p"
	case strings.Contains(script, "getMyUserId"):
		return "endpoint"
	case strings.Contains(script, "isModerator"):
		return "moderator"
	case strings.Contains(script, "listMembers"):
		return "remotes"
	default:
		return "other"
	}
}

func (s *fakeSession) ExecuteScript(ctx context.Context, script string) (driver.Value, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return driver.NullValue(), driver.ErrSessionClosed
	}
	kind := scriptKind(script)
	s.calls[kind]++
	call := s.calls[kind]
	s.scripts = append(s.scripts, script)
	hook := s.hooks[kind]
	c := s.conf
	if kind == "hangup" {
		s.hangups++
		s.conf.Joined = false
	}
	s.mu.Unlock()

	if hook != nil {
		return hook(ctx, call)
	}
	switch kind {
	case "muc":
		return driver.BoolValue(c.Joined), nil
	case "ice":
		return driver.StringValue(c.ICE), nil
	case "p2p":
		return driver.BoolValue(c.P2P), nil
	case "endpoint":
		return driver.StringValue(c.Endpoint), nil
	case "moderator":
		return driver.BoolValue(c.Moderator), nil
	case "protocol":
		if c.Protocol == "" {
			return driver.NullValue(), nil
		}
		return driver.StringValue(c.Protocol), nil
	case "bitrate":
		return driver.ObjectValue(map[string]any{"upload": c.Upload, "download": c.Download}), nil
	case "remotes":
		return driver.NumberValue(float64(c.Remotes)), nil
	case "hangup":
		return driver.BoolValue(true), nil
	}
	return driver.NullValue(), nil
}

func (s *fakeSession) CurrentURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.navigated) == 0 {
		return "about:blank", nil
	}
	return s.navigated[len(s.navigated)-1], nil
}

func (s *fakeSession) Quit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quits++
	s.closed = true
	return s.quitErr
}

// joinedConference is a fully established conference as seen by one member.
func joinedConference() fakeConference {
	return fakeConference{
		Joined:   true,
		ICE:      "connected",
		Endpoint: "abcd1234",
		Protocol: "udp",
		Upload:   512,
		Download: 480,
		Remotes:  1,
	}
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

func newTestParticipant(t *testing.T, sess *fakeSession, clock internal.Clock) *Participant {
	t.Helper()
	return NewParticipant("participant1", sess, driver.DefaultBrowserOptions(), Timeouts{
		MUCJoin:      10 * time.Second,
		IceConnected: 10 * time.Second,
		Query:        2 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}, WithLogger(testLogger(t)), withClock(clock))
}
