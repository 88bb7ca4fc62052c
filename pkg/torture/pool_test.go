package torture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/thesyncim/torture/pkg/torture/driver"
	"github.com/thesyncim/torture/pkg/torture/driver/drivermock"
	"github.com/thesyncim/torture/pkg/torture/internal"
	"github.com/thesyncim/torture/pkg/torture/meeturl"
)

// launched records the fake sessions handed out by a mock launcher.
type launched struct {
	mu       sync.Mutex
	sessions map[string][]*fakeSession
	opts     map[string][]driver.BrowserOptions
	conf     func(slot string) fakeConference
}

func (l *launched) launch(_ context.Context, slot string, opts driver.BrowserOptions) (driver.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	conf := joinedConference()
	if l.conf != nil {
		conf = l.conf(slot)
	}
	s := newFakeSession(slot+"-"+string(rune('a'+len(l.sessions[slot]))), conf)
	l.sessions[slot] = append(l.sessions[slot], s)
	l.opts[slot] = append(l.opts[slot], opts)
	return s, nil
}

func (l *launched) latest(slot string) *fakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	ss := l.sessions[slot]
	if len(ss) == 0 {
		return nil
	}
	return ss[len(ss)-1]
}

func (l *launched) count(slot string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions[slot])
}

func newLaunched() *launched {
	return &launched{
		sessions: make(map[string][]*fakeSession),
		opts:     make(map[string][]driver.BrowserOptions),
	}
}

func baseURL() *meeturl.URL {
	return meeturl.New().SetServerURL("https://meet.example.com").SetRoomName("base")
}

func newTestPool(t *testing.T, launcher driver.Launcher, mutate func(*PoolConfig), opts ...Option) *Pool {
	t.Helper()
	cfg := DefaultPoolConfig()
	cfg.BaseURL = baseURL()
	cfg.Timeouts = Timeouts{
		MUCJoin:      5 * time.Second,
		IceConnected: 5 * time.Second,
		Query:        time.Second,
		PollInterval: 500 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(testLogger(t)), withClock(internal.NewMockClock(time.Time{}))}, opts...)
	return NewPool(launcher, cfg, opts...)
}

func TestSlotName(t *testing.T) {
	assert.Equal(t, "participant1", SlotName(0))
	assert.Equal(t, "participant12", SlotName(11))
	assert.Equal(t, 11, slotIndex("participant12"))
	assert.Equal(t, -1, slotIndex("moderator"))
}

func TestPool_EnsureTwiceReuses(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch).Times(3)

	pool := newTestPool(t, launcher, nil)
	ctx := context.Background()

	first, err := pool.EnsureParticipants(ctx, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for i, p := range first {
		assert.Equal(t, SlotName(i), p.Name())
		assert.Equal(t, StateIceConnected, p.State())
	}

	second, err := pool.EnsureParticipants(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, first, second, "second call should return the same participants")
	assert.Equal(t, 3, pool.Len())
}

func TestPool_EnsureGrows(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch).Times(3)

	pool := newTestPool(t, launcher, nil)
	ctx := context.Background()

	one, err := pool.EnsureParticipants(ctx, 1)
	require.NoError(t, err)

	three, err := pool.EnsureParticipants(ctx, 3)
	require.NoError(t, err)
	assert.Same(t, one[0], three[0], "existing slot should be kept")
	assert.Equal(t, 1, l.count("participant1"))
	assert.Equal(t, 1, l.count("participant3"))
}

func TestPool_RecreatesOnURLChange(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	launcher.EXPECT().Launch(gomock.Any(), "participant1", gomock.Any()).DoAndReturn(l.launch).Times(2)
	launcher.EXPECT().Launch(gomock.Any(), "participant2", gomock.Any()).DoAndReturn(l.launch).Times(1)
	launcher.EXPECT().Launch(gomock.Any(), "participant3", gomock.Any()).DoAndReturn(l.launch).Times(1)

	pool := newTestPool(t, launcher, nil)
	ctx := context.Background()

	uPrime := baseURL().SetRoomName("before")
	_, err := pool.EnsureParticipants(ctx, 1, JoinSpec{URL: uPrime})
	require.NoError(t, err)
	old := l.latest("participant1")

	u := baseURL().SetRoomName("after")
	parts, err := pool.EnsureParticipants(ctx, 3, JoinSpec{URL: u}, JoinSpec{}, JoinSpec{})
	require.NoError(t, err)

	assert.Equal(t, 1, old.quits, "old session should be torn down")
	assert.Equal(t, 1, old.hangups, "old session should hang up first")
	assert.True(t, u.Equal(parts[0].URL()))
	assert.Equal(t, []string{u.String()}, l.latest("participant1").navigated)
	assert.Equal(t, []string{baseURL().String()}, l.latest("participant2").navigated)
	assert.Equal(t, []string{baseURL().String()}, l.latest("participant3").navigated)
}

func TestPool_RecreatesOnIframeTargetChange(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	launcher.EXPECT().Launch(gomock.Any(), "participant1", gomock.Any()).DoAndReturn(l.launch).Times(2)

	pool := newTestPool(t, launcher, nil)
	ctx := context.Background()

	_, err := pool.EnsureParticipants(ctx, 1)
	require.NoError(t, err)

	framed := baseURL().SetIframeTarget("meet-frame")
	require.True(t, framed.Equal(baseURL()), "same built URL")
	parts, err := pool.EnsureParticipants(ctx, 1, JoinSpec{URL: framed})
	require.NoError(t, err)
	assert.Equal(t, 2, l.count("participant1"), "a different iframe target needs a fresh session")
	assert.Equal(t, "meet-frame", parts[0].URL().IframeTarget())
	assert.Contains(t, l.latest("participant1").lastScript(), `getElementById("meet-frame")`)

	_, err = pool.EnsureParticipants(ctx, 1, JoinSpec{URL: framed.Copy()})
	require.NoError(t, err)
	assert.Equal(t, 2, l.count("participant1"), "same target should reuse")
}

func TestPool_NilSpecKeepsExistingURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch).Times(1)

	pool := newTestPool(t, launcher, nil)
	ctx := context.Background()

	custom := baseURL().SetRoomName("custom")
	_, err := pool.EnsureParticipants(ctx, 1, JoinSpec{URL: custom})
	require.NoError(t, err)

	parts, err := pool.EnsureParticipants(ctx, 1)
	require.NoError(t, err)
	assert.True(t, custom.Equal(parts[0].URL()), "nil URL should keep the existing session unchanged")
}

func TestPool_RecreatesOnOptionsChange(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	launcher.EXPECT().Launch(gomock.Any(), "participant1", gomock.Any()).DoAndReturn(l.launch).Times(2)

	pool := newTestPool(t, launcher, nil)
	ctx := context.Background()

	_, err := pool.EnsureParticipants(ctx, 1)
	require.NoError(t, err)

	same := driver.DefaultBrowserOptions()
	_, err = pool.EnsureParticipants(ctx, 1, JoinSpec{Options: &same})
	require.NoError(t, err)
	assert.Equal(t, 1, l.count("participant1"), "equal options should reuse")

	changed := driver.DefaultBrowserOptions()
	changed.Flags = []string{"force-fieldtrials=WebRTC-Foo/Enabled/"}
	parts, err := pool.EnsureParticipants(ctx, 1, JoinSpec{Options: &changed})
	require.NoError(t, err)
	assert.Equal(t, 2, l.count("participant1"))
	assert.True(t, changed.Equal(parts[0].Options()))
}

func TestPool_SlotOptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch).Times(2)

	second := driver.DefaultBrowserOptions()
	second.FakeVideo = "/media/fourpeople.y4m"
	pool := newTestPool(t, launcher, func(cfg *PoolConfig) {
		cfg.SlotOptions = map[string]driver.BrowserOptions{"participant2": second}
	})

	_, err := pool.EnsureParticipants(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, l.opts["participant1"][0].FakeVideo)
	assert.Equal(t, "/media/fourpeople.y4m", l.opts["participant2"][0].FakeVideo)
}

func TestPool_LaunchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	boom := errors.New("chrome not found")
	launcher.EXPECT().Launch(gomock.Any(), "participant1", gomock.Any()).Return(nil, boom)

	pool := newTestPool(t, launcher, nil)
	_, err := pool.EnsureParticipants(context.Background(), 1)

	var sce *SessionCreationError
	require.ErrorAs(t, err, &sce)
	assert.Equal(t, "participant1", sce.Slot)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, pool.Len())
}

func TestPool_MUCTimeoutIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	l.conf = func(string) fakeConference { return fakeConference{} }
	launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch)

	pool := newTestPool(t, launcher, nil)
	_, err := pool.EnsureParticipants(context.Background(), 1)
	assert.True(t, IsTimeout(err), "expected timeout, got %v", err)

	// The half-joined participant is still owned by the pool.
	require.Equal(t, 1, pool.Len())
	require.NoError(t, pool.CloseAll(context.Background()))
	assert.Equal(t, 1, l.latest("participant1").quits)
}

func TestPool_IceFailure(t *testing.T) {
	noICE := func(string) fakeConference {
		c := joinedConference()
		c.ICE = "failed"
		return c
	}

	t.Run("fatal for real participant", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		launcher := drivermock.NewMockLauncher(ctrl)
		l := newLaunched()
		l.conf = noICE
		launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch)

		pool := newTestPool(t, launcher, nil)
		_, err := pool.EnsureParticipants(context.Background(), 1)
		assert.True(t, IsTimeout(err))
	})

	t.Run("logged for imitated participant", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		launcher := drivermock.NewMockLauncher(ctrl)
		l := newLaunched()
		l.conf = noICE
		launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch)

		opts := driver.DefaultBrowserOptions()
		opts.Imitated = true
		pool := newTestPool(t, launcher, nil)
		parts, err := pool.EnsureParticipants(context.Background(), 1, JoinSpec{Options: &opts})
		require.NoError(t, err)
		assert.Equal(t, StateJoinedMUC, parts[0].State())
	})

	t.Run("skipped when requested", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		launcher := drivermock.NewMockLauncher(ctrl)
		l := newLaunched()
		l.conf = noICE
		launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch)

		opts := driver.DefaultBrowserOptions()
		opts.SkipIceWait = true
		pool := newTestPool(t, launcher, nil)
		parts, err := pool.EnsureParticipants(context.Background(), 1, JoinSpec{Options: &opts})
		require.NoError(t, err)
		assert.Equal(t, StateJoinedMUC, parts[0].State())
		assert.Zero(t, l.latest("participant1").callCount("ice"))
	})
}

func TestPool_CloseAllContinuesPastFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	errQuit := errors.New("websocket: close sent")

	broken := drivermock.NewMockSession(ctrl)
	conf := joinedConference()
	broken.EXPECT().ID().Return("broken").AnyTimes()
	broken.EXPECT().Navigate(gomock.Any(), gomock.Any()).Return(nil)
	broken.EXPECT().ExecuteScript(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, script string) (driver.Value, error) {
			switch scriptKind(script) {
			case "muc":
				return driver.BoolValue(conf.Joined), nil
			case "ice":
				return driver.StringValue(conf.ICE), nil
			}
			return driver.BoolValue(true), nil
		}).AnyTimes()
	broken.EXPECT().Quit().Return(errQuit)

	launcher.EXPECT().Launch(gomock.Any(), "participant1", gomock.Any()).DoAndReturn(l.launch)
	launcher.EXPECT().Launch(gomock.Any(), "participant2", gomock.Any()).Return(broken, nil)
	launcher.EXPECT().Launch(gomock.Any(), "participant3", gomock.Any()).DoAndReturn(l.launch)

	pool := newTestPool(t, launcher, nil)
	_, err := pool.EnsureParticipants(context.Background(), 3)
	require.NoError(t, err)

	err = pool.CloseAll(context.Background())
	require.Error(t, err)

	var ce CloseErrors
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce, 1)
	assert.Equal(t, "participant2", ce[0].Slot)
	assert.ErrorIs(t, err, errQuit)

	assert.Equal(t, 1, l.latest("participant1").quits)
	assert.Equal(t, 1, l.latest("participant3").quits, "close should continue after a failure")
	assert.Zero(t, pool.Len())
	assert.NoError(t, pool.CloseAll(context.Background()), "closing an empty pool is a no-op")
}

func TestPool_CloseSlot(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch).Times(4)

	pool := newTestPool(t, launcher, nil)
	ctx := context.Background()

	_, err := pool.EnsureParticipants(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, pool.Close(ctx, "participant2"))
	assert.Nil(t, pool.Participant("participant2"))
	assert.NoError(t, pool.Close(ctx, "participant2"))

	names := []string{}
	for _, p := range pool.Participants() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"participant1", "participant3"}, names)

	// The freed slot is refilled under the same identity.
	parts, err := pool.EnsureParticipants(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "participant2", parts[1].Name())
	assert.Equal(t, 2, l.count("participant2"))
}

func TestPool_TooManySpecs(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool := newTestPool(t, drivermock.NewMockLauncher(ctrl), nil)

	_, err := pool.EnsureParticipants(context.Background(), 1, JoinSpec{}, JoinSpec{})
	assert.Error(t, err)
}

func TestPool_Metrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch).Times(2)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	pool := newTestPool(t, launcher, nil, WithMetrics(m))

	_, err := pool.EnsureParticipants(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("ice_connected")))

	require.NoError(t, pool.CloseAll(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsClosed))
}
