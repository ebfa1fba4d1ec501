package rtsp_test

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/wolfstream/host/internal/eventbus"
	"github.com/wolfstream/host/internal/rtsp"
)

type fakeSession struct {
	id         uint64
	clientIP   string
	videoPort  int
	audioPort  int
	key, iv    [16]byte
}

func (f fakeSession) ID() uint64           { return f.id }
func (f fakeSession) ClientIP() string     { return f.clientIP }
func (f fakeSession) VideoPort() int       { return f.videoPort }
func (f fakeSession) AudioPort() int       { return f.audioPort }
func (f fakeSession) AESKeyIV() (key, iv [16]byte) { return f.key, f.iv }

type fakeLookup struct {
	sessions map[uint64]fakeSession
}

func (f fakeLookup) Get(sessionID uint64) (rtsp.SessionInfo, bool) {
	sess, ok := f.sessions[sessionID]
	return sess, ok
}

func writeRequest(t *testing.T, method, uri string, headers map[string]string, body string) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(method + " " + uri + " RTSP/1.0\r\n")
	for k, v := range headers {
		buf.WriteString(k + ": " + v + "\r\n")
	}
	if body != "" {
		buf.WriteString("Content-Length: ")
		buf.WriteString(itoa(len(body)))
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestOptionsReturnsSupportedMethods(t *testing.T) {
	bus := eventbus.New()
	n := rtsp.NewNegotiator(fakeLookup{sessions: map[uint64]fakeSession{}}, bus, nil)

	raw := writeRequest(t, "OPTIONS", "rtsp://localhost/", map[string]string{"CSeq": "1"}, "")
	req, err := rtsp.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}

	resp := n.Handle(rtsp.NewConnState(), req)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Headers["Public"], "PLAY") {
		t.Fatalf("expected Public header to list PLAY, got %q", resp.Headers["Public"])
	}
}

func TestSetupUnknownSessionReturns454(t *testing.T) {
	bus := eventbus.New()
	n := rtsp.NewNegotiator(fakeLookup{sessions: map[uint64]fakeSession{}}, bus, nil)

	raw := writeRequest(t, "SETUP", "rtsp://localhost/session/99/streamid=video", map[string]string{"CSeq": "2"}, "")
	req, err := rtsp.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}

	resp := n.Handle(rtsp.NewConnState(), req)
	if resp.StatusCode != 454 {
		t.Fatalf("expected 454 for unknown session, got %d", resp.StatusCode)
	}
}

func TestFullRTSPSequencePublishesVideoAndAudioEvents(t *testing.T) {
	bus := eventbus.New()
	sess := fakeSession{id: 7, clientIP: "10.0.0.5", videoPort: 9000, audioPort: 9001}
	n := rtsp.NewNegotiator(fakeLookup{sessions: map[uint64]fakeSession{7: sess}}, bus, nil)

	var gotVideo eventbus.VideoSessionEvent
	var gotAudio eventbus.AudioSessionEvent
	bus.Subscribe(eventbus.TopicVideoSession, func(env eventbus.Envelope) {
		gotVideo = env.Payload.(eventbus.VideoSessionEvent)
	})
	bus.Subscribe(eventbus.TopicAudioSession, func(env eventbus.Envelope) {
		gotAudio = env.Payload.(eventbus.AudioSessionEvent)
	})

	st := rtsp.NewConnState()

	mustHandle(t, n, st, "SETUP", "rtsp://localhost/session/7/streamid=video", "")
	mustHandle(t, n, st, "SETUP", "rtsp://localhost/session/7/streamid=audio", "")

	sdp := "a=x-nv-video[0].clientViewportWd:1280\r\na=x-nv-vqos[0].bw.maximumBitrateKbps:15000\r\n"
	mustHandle(t, n, st, "ANNOUNCE", "rtsp://localhost/session/7", sdp)

	resp := mustHandle(t, n, st, "PLAY", "rtsp://localhost/session/7", "")
	if resp.StatusCode != 200 {
		t.Fatalf("expected PLAY to succeed, got %d", resp.StatusCode)
	}

	if gotVideo.SessionID != 7 || gotVideo.Port != 9000 || gotVideo.BitrateKbps != 15000 {
		t.Fatalf("unexpected video session event: %+v", gotVideo)
	}
	if gotAudio.SessionID != 7 || gotAudio.Port != 9001 {
		t.Fatalf("unexpected audio session event: %+v", gotAudio)
	}
}

func TestPlayBeforeAnnounceFails(t *testing.T) {
	bus := eventbus.New()
	sess := fakeSession{id: 3, clientIP: "10.0.0.9", videoPort: 9100, audioPort: 9101}
	n := rtsp.NewNegotiator(fakeLookup{sessions: map[uint64]fakeSession{3: sess}}, bus, nil)

	st := rtsp.NewConnState()
	mustHandle(t, n, st, "SETUP", "rtsp://localhost/session/3/streamid=video", "")

	resp := mustHandle(t, n, st, "PLAY", "rtsp://localhost/session/3", "")
	if resp.StatusCode != 455 {
		t.Fatalf("expected 455 when PLAY precedes ANNOUNCE, got %d", resp.StatusCode)
	}
}

func mustHandle(t *testing.T, n *rtsp.Negotiator, st *rtsp.ConnState, method, uri, body string) *rtsp.Response {
	t.Helper()
	raw := writeRequest(t, method, uri, map[string]string{"CSeq": "1"}, body)
	req, err := rtsp.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest(%s): %v", method, err)
	}
	return n.Handle(st, req)
}
