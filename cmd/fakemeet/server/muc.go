package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleMUC upgrades to a websocket and keeps the caller in the room until
// the socket closes or it sends {"type":"leave"}.
func (s *Server) handleMUC(w http.ResponseWriter, r *http.Request) {
	roomName := chi.URLParam(r, "room")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("room", roomName).Msg("websocket upgrade failed")
		return
	}

	m := s.rooms.join(roomName)
	log := s.log.With().Str("room", roomName).Str("endpoint", m.id).Logger()
	log.Info().Bool("moderator", m.moderator).Msg("member joined")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(ctx, conn, m)
	}()

	s.rooms.broadcast(roomName)
	s.readPump(conn, roomName, m)

	cancel()
	<-done
	_ = conn.Close()

	if left, ok := s.rooms.leave(roomName, m.id); ok {
		if pc := left.setPeerConnection(nil); pc != nil {
			_ = pc.Close()
		}
		log.Info().Msg("member left")
		for _, err := range s.rooms.broadcast(roomName) {
			log.Debug().Err(err).Msg("presence not delivered")
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn, roomName string, m *member) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("endpoint", m.id).Msg("muc read error")
			}
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn().Err(err).Str("endpoint", m.id).Msg("bad json")
			continue
		}
		switch env.Type {
		case "leave":
			return
		case "ping":
			_ = m.trySend([]byte(`{"type":"pong"}`))
		default:
			s.log.Warn().Str("type", env.Type).Str("room", roomName).Msg("unknown message")
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, m *member) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-m.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug().Err(err).Str("endpoint", m.id).Msg("muc write error")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
