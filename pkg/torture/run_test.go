package torture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/thesyncim/torture/pkg/torture/driver/drivermock"
	"github.com/thesyncim/torture/pkg/torture/meeturl"
)

func TestOutcome(t *testing.T) {
	assert.True(t, Pass().Passed())
	assert.Equal(t, "pass", Pass().String())

	boom := errors.New("boom")
	f := Fail(boom)
	assert.True(t, f.Failed())
	assert.Equal(t, "fail: boom", f.String())
	assert.True(t, Fail(nil).Failed(), "a nil error still fails")

	s := Skip("no dial-in configured")
	assert.True(t, s.Skipped())
	assert.Equal(t, "skip: no dial-in configured", s.String())
}

func TestSkipIfUnsupported(t *testing.T) {
	assert.True(t, SkipIfUnsupported(nil).Passed())
	assert.True(t, SkipIfUnsupported(errors.New("assertion failed")).Failed())

	lobbyTimeout := &TimeoutError{What: "lobby button", Timeout: time.Second}
	assert.True(t, SkipIfUnsupported(lobbyTimeout).Failed(), "plain timeouts are failures")

	o := SkipIfUnsupported(Unsupported("lobby", lobbyTimeout))
	assert.True(t, o.Skipped())
	assert.True(t, strings.HasPrefix(o.Reason, "lobby"))

	other := errors.New("script error")
	assert.Equal(t, other, Unsupported("lobby", other))
}

func TestRun_RandomRoomAndTeardown(t *testing.T) {
	ctrl := gomock.NewController(t)
	launcher := drivermock.NewMockLauncher(ctrl)
	l := newLaunched()
	launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(l.launch).Times(2)

	cfg := DefaultPoolConfig()
	cfg.BaseURL = meeturl.New().SetServerURL("https://meet.example.com")
	run, err := NewRun(launcher, cfg, WithLogger(testLogger(t)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(run.BaseURL().RoomName(), DefaultRoomPrefix))
	assert.Empty(t, cfg.BaseURL.RoomName(), "caller's URL must not be modified")

	ctx := context.Background()
	parts, err := run.Ensure(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, run.BaseURL().String(), parts[1].URL().String())

	hb, err := run.StartHeartbeat(ctx, parts, HeartbeatConfig{}, time.Hour, time.Hour)
	require.NoError(t, err)

	require.NoError(t, run.Teardown(ctx))
	assert.Equal(t, HeartbeatCancelled, hb.Status())
	assert.Zero(t, run.Pool().Len())
	assert.Equal(t, 1, l.latest("participant1").quits)
	assert.Equal(t, 1, l.latest("participant2").quits)
}

func TestRun_RequiresBaseURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, err := NewRun(drivermock.NewMockLauncher(ctrl), DefaultPoolConfig())
	assert.Error(t, err)
}

func TestRun_Execute(t *testing.T) {
	ctrl := gomock.NewController(t)
	cfg := DefaultPoolConfig()
	cfg.BaseURL = baseURL()
	run, err := NewRun(drivermock.NewMockLauncher(ctrl), cfg, WithLogger(testLogger(t)))
	require.NoError(t, err)
	ctx := context.Background()

	out := run.Execute(ctx, "pass", func(context.Context, *Run) Outcome { return Pass() })
	assert.True(t, out.Passed())

	out = run.Execute(ctx, "skip", func(context.Context, *Run) Outcome {
		return SkipIfUnsupported(ErrFeatureUnsupported)
	})
	assert.True(t, out.Skipped())

	out = run.Execute(ctx, "panics", func(context.Context, *Run) Outcome {
		var p *Participant
		_ = p.Name()
		return Pass()
	})
	assert.True(t, out.Failed())
	assert.Contains(t, out.Reason, "panic")
}
