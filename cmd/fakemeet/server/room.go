package server

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var errBackpressure = errors.New("member send buffer full")

// member is one endpoint in a room. The websocket that created it is its
// presence: the member leaves when the socket closes.
type member struct {
	id        string
	seq       uint64
	joinedAt  time.Time
	moderator bool

	send chan []byte

	mu sync.Mutex
	pc *webrtc.PeerConnection

	videoPackets atomic.Uint64
	audioPackets atomic.Uint64
	bytes        atomic.Uint64
}

func (m *member) trySend(data []byte) error {
	select {
	case m.send <- data:
		return nil
	default:
		return errBackpressure
	}
}

func (m *member) setPeerConnection(pc *webrtc.PeerConnection) *webrtc.PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.pc
	m.pc = pc
	return old
}

func (m *member) received(video bool, pkt *rtp.Packet) {
	if video {
		m.videoPackets.Add(1)
	} else {
		m.audioPackets.Add(1)
	}
	m.bytes.Add(uint64(pkt.MarshalSize()))
}

// MemberInfo is the public view of a member.
type MemberInfo struct {
	ID           string    `json:"id"`
	Moderator    bool      `json:"moderator"`
	JoinedAt     time.Time `json:"joinedAt"`
	VideoPackets uint64    `json:"videoPackets"`
	AudioPackets uint64    `json:"audioPackets"`
	Bytes        uint64    `json:"bytes"`
}

func (m *member) info() MemberInfo {
	return MemberInfo{
		ID:           m.id,
		Moderator:    m.moderator,
		JoinedAt:     m.joinedAt,
		VideoPackets: m.videoPackets.Load(),
		AudioPackets: m.audioPackets.Load(),
		Bytes:        m.bytes.Load(),
	}
}

// RoomInfo is the JSON body of GET /rooms/{room}.
type RoomInfo struct {
	Name    string       `json:"name"`
	Members []MemberInfo `json:"members"`
}

type room struct {
	name    string
	members map[string]*member
}

// sorted returns members in join order.
func (r *room) sorted() []*member {
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// registry holds every room. The first member of a room is its moderator;
// when the moderator leaves, the longest-present member takes over.
type registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	seq   uint64
}

func newRegistry() *registry {
	return &registry{rooms: make(map[string]*room)}
}

func (g *registry) join(roomName string) *member {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomName]
	if !ok {
		r = &room{name: roomName, members: make(map[string]*member)}
		g.rooms[roomName] = r
	}
	g.seq++
	m := &member{
		id:        uuid.NewString()[:8],
		seq:       g.seq,
		joinedAt:  time.Now(),
		moderator: len(r.members) == 0,
		send:      make(chan []byte, 64),
	}
	r.members[m.id] = m
	return m
}

// leave removes a member and reports whether it existed.
func (g *registry) leave(roomName, id string) (*member, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomName]
	if !ok {
		return nil, false
	}
	m, ok := r.members[id]
	if !ok {
		return nil, false
	}
	delete(r.members, id)
	if len(r.members) == 0 {
		delete(g.rooms, roomName)
		return m, true
	}
	if m.moderator {
		r.sorted()[0].moderator = true
	}
	return m, true
}

func (g *registry) member(roomName, id string) *member {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[roomName]; ok {
		return r.members[id]
	}
	return nil
}

func (g *registry) members(roomName string) []*member {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomName]
	if !ok {
		return nil
	}
	return r.sorted()
}

func (g *registry) info(roomName string) RoomInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := RoomInfo{Name: roomName, Members: []MemberInfo{}}
	if r, ok := g.rooms[roomName]; ok {
		for _, m := range r.sorted() {
			out.Members = append(out.Members, m.info())
		}
	}
	return out
}

// presence is the message broadcast to every member when membership
// changes.
type presence struct {
	Type    string       `json:"type"`
	Room    string       `json:"room"`
	You     string       `json:"you"`
	Members []MemberInfo `json:"members"`
}

func (g *registry) broadcast(roomName string) []error {
	info := g.info(roomName)
	var errs []error
	for _, m := range g.members(roomName) {
		data, err := json.Marshal(presence{Type: "presence", Room: roomName, You: m.id, Members: info.Members})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.trySend(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
