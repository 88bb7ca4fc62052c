package meeturl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func base() *URL {
	return New().SetServerURL("https://meet.example.com/").SetRoomName("standup")
}

func TestURL_BuildMinimal(t *testing.T) {
	assert.Equal(t, "https://meet.example.com/standup", base().String())
}

func TestURL_BuildFull(t *testing.T) {
	u := base().
		SetTenant("acme").
		SetRoomParameters("?jwt=token").
		AppendConfig("startWithAudioMuted=true").
		AppendConfig("p2p.enabled=false").
		AppendFragment("interfaceConfig.SHOW_BRAND=false")

	assert.Equal(t,
		"https://meet.example.com/acmestandup?jwt=token#config.p2p.enabled=false&config.startWithAudioMuted=true&interfaceConfig.SHOW_BRAND=false",
		u.String())
}

func TestNormalize_StripsReservedOnBothSides(t *testing.T) {
	cases := []struct {
		tenant, room string
	}{
		{"acme@corp", "standup"},
		{"acme", "stand@up"},
		{"@acme", "standup@"},
	}
	var paths []string
	for _, c := range cases {
		paths = append(paths, New().SetTenant(c.tenant).SetRoomName(c.room).Path())
	}
	for _, p := range paths {
		assert.NotContains(t, p, "@")
	}
	assert.Equal(t, "acmecorpstandup", paths[0])
	assert.Equal(t, "acmestandup", paths[1])
	assert.Equal(t, "acmestandup", paths[2])
}

func TestNormalize_EscapesPathDelimiters(t *testing.T) {
	assert.Equal(t, "a%2Fb%3Fc%23d", Normalize("a/b?c#d"))
	assert.Equal(t, "acme%2Fcorpstandup", New().SetTenant("acme/corp").SetRoomName("stand@up").Path())

	u := New().SetServerURL("https://meet.example.com").SetRoomName("q?a#1").SetRoomParameters("jwt=t")
	assert.Equal(t, "https://meet.example.com/q%3Fa%231?jwt=t", u.String())
	assert.Equal(t, "x%2Fy", New().SetRoomName("x/y").Path(), "distinct from room \"xy\"")
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, in := range []string{"", "room", "a@b@c", "x/y?z#w", "@@@", "ünïcode@room", "50%off", "a%2Fb"} {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
		assert.False(t, strings.ContainsAny(once, "@/?#"), "input %q", in)
	}
}

func TestURL_SameRoomFromTwoParticipantsIsIdentical(t *testing.T) {
	shared := base().SetTenant("te@nant").AppendConfig("debug=true")

	a := shared.Copy().SetRoomName("ro@om")
	b := shared.Copy().SetRoomName("ro@om")
	assert.Equal(t, a.String(), b.String())
}

func TestURL_AppendSameKeyLaterWins(t *testing.T) {
	u := base().
		AppendConfig("startWithVideoMuted=false").
		AppendConfig("startWithVideoMuted=true")

	assert.Equal(t, "https://meet.example.com/standup#config.startWithVideoMuted=true", u.String())

	// Intermediate duplicates stay visible to iteration.
	params := u.FragmentParams()
	require.Len(t, params, 2)
	assert.Equal(t, "false", params[0].Value)
	assert.Equal(t, "true", params[1].Value)

	v, ok := u.FragmentValue("config.startWithVideoMuted")
	assert.True(t, ok)
	assert.Equal(t, "true", v)
}

func TestURL_RemoveThenAppendIsOverride(t *testing.T) {
	withOriginal := base().
		AppendConfig("startWithAudioMuted=false").
		AppendConfig("debug=true").
		RemoveFragmentParam("config.startWithAudioMuted").
		AppendConfig("startWithAudioMuted=true")

	never := base().
		AppendConfig("debug=true").
		AppendConfig("startWithAudioMuted=true")

	assert.Equal(t, never.String(), withOriginal.String())
	assert.True(t, never.Equal(withOriginal))
	assert.Len(t, withOriginal.FragmentParams(), 2)
}

func TestURL_RemoveAbsentKeyIsNoop(t *testing.T) {
	u := base().AppendConfig("debug=true")
	before := u.String()
	u.RemoveFragmentParam("config.nothing").RemoveFragmentParam("config.nothing")
	assert.Equal(t, before, u.String())
}

func TestURL_DisjointKeysOrderIndependent(t *testing.T) {
	a := base().AppendConfig("a=1").AppendConfig("b=2")
	b := base().AppendConfig("b=2").AppendConfig("a=1")
	assert.True(t, a.Equal(b))

	// With a shared key, append order decides the winner.
	c := base().AppendConfig("a=1").AppendConfig("a=2")
	d := base().AppendConfig("a=2").AppendConfig("a=1")
	assert.False(t, c.Equal(d))
}

func TestURL_CopyDoesNotAlias(t *testing.T) {
	shared := base().AppendConfig("debug=true")
	// Force spare capacity so an aliasing append would be visible.
	shared.fragment = append(make([]Param, 0, 8), shared.fragment...)

	a := shared.Copy().AppendConfig("a=1")
	b := shared.Copy().AppendConfig("b=2")

	assert.NotContains(t, a.String(), "config.b=2")
	assert.NotContains(t, b.String(), "config.a=1")
	assert.Equal(t, "https://meet.example.com/standup#config.debug=true", shared.String())
}

func TestURL_BareFragmentKey(t *testing.T) {
	u := base().AppendFragment("jitsi_meet_external_api_id")
	assert.Equal(t, "https://meet.example.com/standup#jitsi_meet_external_api_id", u.String())

	u.AppendFragment("=ignored")
	assert.Len(t, u.FragmentParams(), 1, "a parameter without a key is dropped")
}

func TestURL_EqualIgnoresIframeTarget(t *testing.T) {
	a := base()
	b := base().SetIframeTarget("meet-frame")
	assert.Equal(t, a.String(), b.String())
	assert.True(t, a.Equal(b), "equality is on the built string")
	assert.False(t, a.SameTarget(b))
	assert.True(t, b.SameTarget(b.Copy()))
	assert.Equal(t, "meet-frame", b.IframeTarget())

	var none *URL
	assert.True(t, none.Equal(nil))
	assert.True(t, none.SameTarget(nil))
	assert.False(t, none.SameTarget(a))
	assert.False(t, a.SameTarget(nil))
}

func TestRandomRoomName(t *testing.T) {
	a := RandomRoomName("torture")
	b := RandomRoomName("torture")
	assert.True(t, strings.HasPrefix(a, "torture"))
	assert.Len(t, a, len("torture")+12)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Normalize(a))
}
