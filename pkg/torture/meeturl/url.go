// Package meeturl builds the URL a participant navigates to in order to
// join a conference.
//
// A built URL has the form
//
//	<server>/<tenant><room>?<room parameters>#config.k1=v1&config.k2=v2
//
// Fragment parameters are kept in append order with duplicates; when a URL
// is built, the last value appended for a key wins and keys are emitted in
// sorted order, so builders holding the same effective parameters produce
// byte-identical URLs.
package meeturl

import (
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ConfigPrefix is prepended to keys added with AppendConfig.
const ConfigPrefix = "config."

// normalizer strips '@' from tenant and room names and escapes the
// characters that would end the path segment.
var normalizer = strings.NewReplacer("@", "", "/", "%2F", "?", "%3F", "#", "%23")

// Param is a single fragment parameter.
type Param struct {
	Key      string
	Value    string
	HasValue bool
}

func (p Param) String() string {
	if !p.HasValue {
		return p.Key
	}
	return p.Key + "=" + p.Value
}

// URL is a conference URL builder. Setters mutate the receiver and return
// it for chaining; use Copy to derive a divergent URL from a shared base.
type URL struct {
	serverURL      string
	tenant         string
	room           string
	roomParameters string
	iframeTarget   string
	fragment       []Param
}

// New returns an empty URL.
func New() *URL {
	return &URL{}
}

// Normalize prepares a tenant or room name for the conference path: '@' is
// removed and '/', '?' and '#' are percent-escaped. It is idempotent.
func Normalize(name string) string {
	return normalizer.Replace(name)
}

// RandomRoomName returns prefix followed by a random suffix.
func RandomRoomName(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + id[:12]
}

// SetServerURL sets the server base, e.g. "https://meet.example.com".
// Trailing slashes are dropped.
func (u *URL) SetServerURL(s string) *URL {
	u.serverURL = strings.TrimRight(s, "/")
	return u
}

// SetTenant sets the tenant. It is normalized and placed directly before
// the room name when the URL is built.
func (u *URL) SetTenant(t string) *URL {
	u.tenant = t
	return u
}

// SetRoomName sets the room name. It is normalized when the URL is built.
func (u *URL) SetRoomName(r string) *URL {
	u.room = r
	return u
}

// SetRoomParameters sets the query string placed after the room name.
// A leading '?' is accepted and dropped.
func (u *URL) SetRoomParameters(q string) *URL {
	u.roomParameters = strings.TrimPrefix(q, "?")
	return u
}

// SetIframeTarget makes the participant drive the conference running in
// the iframe with the given element id instead of the top-level page.
func (u *URL) SetIframeTarget(frameID string) *URL {
	u.iframeTarget = frameID
	return u
}

// AppendConfig appends "config.<kv>", where kv is "key=value" or a bare key.
func (u *URL) AppendConfig(kv string) *URL {
	return u.AppendFragment(ConfigPrefix + kv)
}

// AppendFragment appends a raw fragment parameter such as
// "interfaceConfig.SHOW_BRAND=false". Earlier values of the same key are
// kept; the last one wins when the URL is built.
func (u *URL) AppendFragment(kv string) *URL {
	key, value, hasValue := strings.Cut(kv, "=")
	if key == "" {
		return u
	}
	u.fragment = append(u.fragment, Param{Key: key, Value: value, HasValue: hasValue})
	return u
}

// RemoveFragmentParam deletes every fragment parameter with the given full
// key (e.g. "config.startWithAudioMuted"). Removing an absent key is a no-op.
func (u *URL) RemoveFragmentParam(key string) *URL {
	u.fragment = slices.DeleteFunc(u.fragment, func(p Param) bool {
		return p.Key == key
	})
	return u
}

// Copy returns a deep copy.
func (u *URL) Copy() *URL {
	c := *u
	c.fragment = slices.Clone(u.fragment)
	return &c
}

// ServerURL returns the server base without a trailing slash.
func (u *URL) ServerURL() string { return u.serverURL }

// Tenant returns the tenant as set, before normalization.
func (u *URL) Tenant() string { return u.tenant }

// RoomName returns the room name as set, before normalization.
func (u *URL) RoomName() string { return u.room }

// RoomParameters returns the query string without the leading '?'.
func (u *URL) RoomParameters() string { return u.roomParameters }

// IframeTarget returns the id of the iframe hosting the conference, or ""
// for the top-level page.
func (u *URL) IframeTarget() string { return u.iframeTarget }

// FragmentParams returns the fragment parameters in append order,
// duplicates included.
func (u *URL) FragmentParams() []Param {
	return slices.Clone(u.fragment)
}

// FragmentValue returns the effective value of key.
func (u *URL) FragmentValue(key string) (string, bool) {
	for i := len(u.fragment) - 1; i >= 0; i-- {
		if u.fragment[i].Key == key {
			return u.fragment[i].Value, true
		}
	}
	return "", false
}

// Path returns the normalized "<tenant><room>" path segment.
func (u *URL) Path() string {
	return Normalize(u.tenant) + Normalize(u.room)
}

// Fragment returns the effective fragment without the leading '#'.
func (u *URL) Fragment() string {
	if len(u.fragment) == 0 {
		return ""
	}
	last := make(map[string]Param, len(u.fragment))
	for _, p := range u.fragment {
		last[p.Key] = p
	}
	keys := make([]string, 0, len(last))
	for k := range last {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = last[k].String()
	}
	return strings.Join(parts, "&")
}

// String builds the URL.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.serverURL)
	b.WriteByte('/')
	b.WriteString(u.Path())
	if u.roomParameters != "" {
		b.WriteByte('?')
		b.WriteString(u.roomParameters)
	}
	if f := u.Fragment(); f != "" {
		b.WriteByte('#')
		b.WriteString(f)
	}
	return b.String()
}

// Equal reports whether both URLs build the same string.
func (u *URL) Equal(other *URL) bool {
	if u == nil || other == nil {
		return u == other
	}
	return u.String() == other.String()
}

// SameTarget reports whether both URLs are equal and drive the same iframe.
func (u *URL) SameTarget(other *URL) bool {
	return u.Equal(other) && (u == nil || u.iframeTarget == other.iframeTarget)
}
