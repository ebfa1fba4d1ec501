package rtsp

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/wolfstream/host/internal/eventbus"
)

// SessionInfo is the minimal view of a StreamSession the negotiator needs
// to fill in VideoSessionEvent/AudioSessionEvent (spec §4.4 step 5: ports
// and the audio AES key/iv are allocated at launch, before RTSP begins).
type SessionInfo interface {
	ID() uint64
	ClientIP() string
	VideoPort() int
	AudioPort() int
	AESKeyIV() (key, iv [16]byte)
}

// SessionLookup resolves a session_id to its live SessionInfo.
type SessionLookup interface {
	Get(sessionID uint64) (SessionInfo, bool)
}

// streamKind distinguishes the three SETUP targets this dialect names;
// only video and audio produce pipeline-start events (spec §6 "Supports
// OPTIONS, DESCRIBE, SETUP (per stream), ANNOUNCE ..., PLAY").
type streamKind string

const (
	streamVideo   streamKind = "video"
	streamAudio   streamKind = "audio"
	streamControl streamKind = "control"
)

// ConnState tracks the parameter exchange for one client connection,
// scoped to a single session_id resolved on the first SETUP (spec §4.4
// "Session subscribers ... begin listening, keyed by session_id").
type ConnState struct {
	mu         sync.Mutex
	sessionID  uint64
	haveSess   bool
	setupSeen  map[streamKind]bool
	videoAttrs sdpAttrs
	audioAttrs sdpAttrs
	announced  bool
}

// Negotiator drives the OPTIONS → DESCRIBE → SETUP → ANNOUNCE → PLAY state
// machine and publishes VideoSessionEvent/AudioSessionEvent on completion
// (spec §4 "RTSP Negotiator: Parses SETUP/ANNOUNCE/PLAY; emits Video/Audio
// session events").
type Negotiator struct {
	lookup SessionLookup
	bus    *eventbus.Bus
	logger *log.Logger
}

// NewNegotiator constructs a Negotiator. lookup resolves the session_id
// embedded in the RTSP URI to its allocated ports and AES material.
func NewNegotiator(lookup SessionLookup, bus *eventbus.Bus, logger *log.Logger) *Negotiator {
	if logger == nil {
		logger = log.Default()
	}
	return &Negotiator{lookup: lookup, bus: bus, logger: logger}
}

// NewConnState allocates per-connection state; each TCP connection gets
// its own state so concurrent client sessions never interleave.
func NewConnState() *ConnState {
	return &ConnState{setupSeen: make(map[streamKind]bool)}
}

// Handle processes one parsed request against st and returns the response
// to write back. It never returns nil; malformed or out-of-order requests
// get an RTSP error status rather than closing the connection, matching
// how real Moonlight clients probe capabilities before committing.
func (n *Negotiator) Handle(st *ConnState, req *Request) *Response {
	switch req.Method {
	case MethodOptions:
		return n.handleOptions(req)
	case MethodDescribe:
		return n.handleDescribe(req)
	case MethodSetup:
		return n.handleSetup(st, req)
	case MethodAnnounce:
		return n.handleAnnounce(st, req)
	case MethodPlay:
		return n.handlePlay(st, req)
	default:
		resp := NewResponse(req)
		resp.StatusCode, resp.StatusText = 501, "Not Implemented"
		return resp
	}
}

func (n *Negotiator) handleOptions(req *Request) *Response {
	resp := NewResponse(req)
	resp.Headers["Public"] = "OPTIONS, DESCRIBE, SETUP, ANNOUNCE, PLAY"
	return resp
}

func (n *Negotiator) handleDescribe(req *Request) *Response {
	resp := NewResponse(req)
	resp.Headers["Content-Type"] = "application/sdp"
	resp.Body = []byte("v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=wolfstream\r\nm=video 0 RTP/AVP 96\r\nm=audio 0 RTP/AVP 97\r\n")
	return resp
}

// sessionIDFromURI extracts the session_id path segment from an RTSP URI
// shaped like rtsp://host:port/session/<id>[/streamid=...], the sessionUrl
// handed back from launch (spec §6 "Response carries ... sessionUrl for
// RTSP").
func sessionIDFromURI(uri string) (uint64, error) {
	parts := strings.Split(strings.Trim(uri, "/"), "/")
	for i, p := range parts {
		if p == "session" && i+1 < len(parts) {
			id, err := strconv.ParseUint(parts[i+1], 10, 64)
			if err != nil {
				return 0, ProtocolError{Reason: fmt.Sprintf("malformed session id in uri %q", uri)}
			}
			return id, nil
		}
	}
	return 0, ProtocolError{Reason: fmt.Sprintf("no session id in uri %q", uri)}
}

func streamKindFromURI(uri string) streamKind {
	switch {
	case strings.Contains(uri, "streamid=video"):
		return streamVideo
	case strings.Contains(uri, "streamid=audio"):
		return streamAudio
	default:
		return streamControl
	}
}

func (n *Negotiator) resolveSession(st *ConnState, req *Request) (SessionInfo, error) {
	id, err := sessionIDFromURI(req.URI)
	if err != nil {
		return nil, err
	}
	sess, ok := n.lookup.Get(id)
	if !ok {
		return nil, ProtocolError{Reason: fmt.Sprintf("unknown session %d", id)}
	}

	st.mu.Lock()
	if !st.haveSess {
		st.sessionID, st.haveSess = id, true
	} else if st.sessionID != id {
		st.mu.Unlock()
		return nil, ProtocolError{Reason: "session id changed mid-connection"}
	}
	st.mu.Unlock()

	return sess, nil
}

func (n *Negotiator) handleSetup(st *ConnState, req *Request) *Response {
	sess, err := n.resolveSession(st, req)
	if err != nil {
		resp := NewResponse(req)
		resp.StatusCode, resp.StatusText = 454, "Session Not Found"
		return resp
	}

	kind := streamKindFromURI(req.URI)

	st.mu.Lock()
	st.setupSeen[kind] = true
	st.mu.Unlock()

	resp := NewResponse(req)
	resp.Headers["Session"] = strconv.FormatUint(sess.ID(), 10)

	var port int
	switch kind {
	case streamVideo:
		port = sess.VideoPort()
	case streamAudio:
		port = sess.AudioPort()
	}
	if port != 0 {
		resp.Headers["Transport"] = fmt.Sprintf("server_port=%d", port)
	}
	return resp
}

func (n *Negotiator) handleAnnounce(st *ConnState, req *Request) *Response {
	if _, err := n.resolveSession(st, req); err != nil {
		resp := NewResponse(req)
		resp.StatusCode, resp.StatusText = 454, "Session Not Found"
		return resp
	}

	attrs := parseSDP(req.Body)

	st.mu.Lock()
	st.videoAttrs = attrs
	st.audioAttrs = attrs
	st.announced = true
	st.mu.Unlock()

	return NewResponse(req)
}

func (n *Negotiator) handlePlay(st *ConnState, req *Request) *Response {
	sess, err := n.resolveSession(st, req)
	if err != nil {
		resp := NewResponse(req)
		resp.StatusCode, resp.StatusText = 454, "Session Not Found"
		return resp
	}

	st.mu.Lock()
	sawVideo, sawAudio, announced := st.setupSeen[streamVideo], st.setupSeen[streamAudio], st.announced
	videoAttrs, audioAttrs := st.videoAttrs, st.audioAttrs
	st.mu.Unlock()

	if !announced {
		resp := NewResponse(req)
		resp.StatusCode, resp.StatusText = 455, "Method Not Valid In This State"
		return resp
	}

	if sawVideo {
		n.publishVideoSession(sess, videoAttrs)
	}
	if sawAudio {
		n.publishAudioSession(sess, audioAttrs)
	}

	n.logger.Printf("[RTSP] session %d: PLAY, video=%v audio=%v", sess.ID(), sawVideo, sawAudio)
	return NewResponse(req)
}

func (n *Negotiator) publishVideoSession(sess SessionInfo, attrs sdpAttrs) {
	event := eventbus.VideoSessionEvent{
		SessionID: sess.ID(),
		DisplayMode: eventbus.DisplayMode{
			Width:       attrs.int("x-nv-video[0].clientViewportWd", 1920),
			Height:      attrs.int("x-nv-video[0].clientViewportHt", 1080),
			RefreshRate: attrs.int("x-nv-video[0].clientRefreshRateFPS", 60),
			HDR:         attrs.bool("x-nv-video[0].hdrMode", false),
		},
		PipelineDescription:        attrs.str("x-nv-video[0].pipeline", ""),
		Port:                       sess.VideoPort(),
		TimeoutMillis:              attrs.int("x-nv-video[0].timeoutLengthMs", 7000),
		PacketSize:                 attrs.int("x-nv-video[0].packetSize", 1024),
		FramesWithInvalidRefThresh: attrs.int("x-nv-video[0].framesWithInvalidRefThreshold", 0),
		FECPercentage:              attrs.int("x-nv-vqos[0].fec.percentage", 20),
		MinRequiredFECPackets:      attrs.int("x-nv-vqos[0].fec.minRequiredFecPackets", 0),
		BitrateKbps:                attrs.int64("x-nv-vqos[0].bw.maximumBitrateKbps", 20000),
		SlicesPerFrame:             attrs.int("x-nv-video[0].slicesPerFrame", 1),
		ColorRange:                 eventbus.ColorRange(attrs.int("x-nv-vqos[0].bitStreamColorRange", int(eventbus.ColorRangeMPEG))),
		ColorSpace:                 eventbus.ColorSpace(attrs.int("x-nv-video[0].bitStreamColorSpace", int(eventbus.ColorSpaceBT601))),
		ClientIP:                   sess.ClientIP(),
	}
	n.bus.Publish(eventbus.Envelope{
		Topic:   eventbus.TopicVideoSession,
		Source:  eventbus.SourceRTSP,
		Payload: event,
	})
}

func (n *Negotiator) publishAudioSession(sess SessionInfo, attrs sdpAttrs) {
	key, iv := sess.AESKeyIV()
	event := eventbus.AudioSessionEvent{
		SessionID:            sess.ID(),
		PipelineDescription:  attrs.str("x-nv-audio.pipeline", ""),
		EncryptAudio:         attrs.bool("x-nv-general.featureFlags.encryptAudio", true),
		AESKey:               key,
		AESIV:                iv,
		Port:                 sess.AudioPort(),
		ClientIP:             sess.ClientIP(),
		PacketDuration:       attrs.int("x-nv-aqos.packetDuration", 5),
		ChannelCount:         attrs.int("x-nv-audio.surround.numChannels", 2),
	}
	n.bus.Publish(eventbus.Envelope{
		Topic:   eventbus.TopicAudioSession,
		Source:  eventbus.SourceRTSP,
		Payload: event,
	})
}
