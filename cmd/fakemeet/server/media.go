package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// offerRequest is the body of POST /offer.
type offerRequest struct {
	Room     string                    `json:"room"`
	Endpoint string                    `json:"endpoint"`
	SDP      webrtc.SessionDescription `json:"sdp"`
}

// newAPI builds the pion API every endpoint connection uses: default codecs,
// NACK in both directions, RTCP reports and stream statistics.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("nack generator: %w", err)
	}
	i.Add(generator)
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("nack responder: %w", err)
	}
	i.Add(responder)
	if err := webrtc.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("rtcp reports: %w", err)
	}
	if err := webrtc.ConfigureStatsInterceptor(i); err != nil {
		return nil, fmt.Errorf("stats interceptor: %w", err)
	}

	// Browsers and the harness usually run on the same host as the server.
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

// handleOffer answers an endpoint's offer. Media the endpoint sends is
// counted and echoed back on a track of the same kind, so every endpoint
// both sends and receives.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid offer", http.StatusBadRequest)
		return
	}
	if req.SDP.Type != webrtc.SDPTypeOffer {
		http.Error(w, "expected an offer", http.StatusBadRequest)
		return
	}
	m := s.rooms.member(req.Room, req.Endpoint)
	if m == nil {
		http.Error(w, "endpoint is not in the room", http.StatusNotFound)
		return
	}
	log := s.log.With().Str("room", req.Room).Str("endpoint", req.Endpoint).Logger()

	answer, err := s.answer(r, m, req.SDP, log)
	if err != nil {
		log.Error().Err(err).Msg("offer failed")
		http.Error(w, "offer failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(answer)
}

func (s *Server) answer(r *http.Request, m *member, offer webrtc.SessionDescription, log zerolog.Logger) (*webrtc.SessionDescription, error) {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	if old := m.setPeerConnection(pc); old != nil {
		_ = old.Close()
	}
	fail := func(err error) (*webrtc.SessionDescription, error) {
		m.setPeerConnection(nil)
		_ = pc.Close()
		return nil, err
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("state", state.String()).Msg("connection state")
		if state == webrtc.PeerConnectionStateFailed {
			_ = pc.Close()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}

	echo := make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP, 2)
	for _, t := range pc.GetTransceivers() {
		kind := t.Kind()
		if _, ok := echo[kind]; ok {
			continue
		}
		mime := webrtc.MimeTypeVP8
		if kind == webrtc.RTPCodecTypeAudio {
			mime = webrtc.MimeTypeOpus
		}
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), "echo-"+m.id)
		if err != nil {
			return fail(fmt.Errorf("echo track: %w", err))
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fail(fmt.Errorf("add echo track: %w", err))
		}
		go drainRTCP(sender)
		echo[kind] = track
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("codec", remote.Codec().MimeType).Uint32("ssrc", uint32(remote.SSRC())).Msg("track received")
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			go s.requestKeyframes(pc, remote)
		}
		go s.forward(m, remote, echo[remote.Kind()], log)
	})

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}

	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-r.Context().Done():
		return fail(r.Context().Err())
	}
	return pc.LocalDescription(), nil
}

// forward counts packets from remote and writes them to the echo track
// until the track ends.
func (s *Server) forward(m *member, remote *webrtc.TrackRemote, echo *webrtc.TrackLocalStaticRTP, log zerolog.Logger) {
	video := remote.Kind() == webrtc.RTPCodecTypeVideo
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("track read ended")
			}
			return
		}
		m.received(video, pkt)

		if echo == nil || !strings.EqualFold(echo.Codec().MimeType, remote.Codec().MimeType) {
			continue
		}
		if err := echo.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Msg("echo write failed")
			return
		}
	}
}

// requestKeyframes sends a PLI for remote every PLIInterval so the echoed
// stream recovers quickly from loss.
func (s *Server) requestKeyframes(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote) {
	if s.cfg.PLIInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PLIInterval)
	defer ticker.Stop()
	for range ticker.C {
		if pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			return
		}
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}}); err != nil {
			return
		}
	}
}

// drainRTCP reads RTCP for a sender so interceptors see NACKs and reports.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
