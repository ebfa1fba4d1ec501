package eventbus

import "time"

// Topic identifies one of the closed set of event kinds the bus carries.
// The set is fixed at compile time — see spec §3 and §4.2: "a typed
// publish/subscribe registry over a closed set of event kinds".
type Topic string

const (
	TopicPairSignal    Topic = "pair_signal"
	TopicPlugDevice    Topic = "plug_device"
	TopicUnplugDevice  Topic = "unplug_device"
	TopicStreamSession Topic = "stream_session"
	TopicVideoSession  Topic = "video_session"
	TopicAudioSession  Topic = "audio_session"
	TopicIDRRequest    Topic = "idr_request"
	TopicPauseStream   Topic = "pause_stream"
	TopicResumeStream  Topic = "resume_stream"
	TopicStopStream    Topic = "stop_stream"
	TopicRTPVideoPing  Topic = "rtp_video_ping"
	TopicRTPAudioPing  Topic = "rtp_audio_ping"
)

// Source identifies which subsystem published an event, for logging only.
type Source string

const (
	SourcePairing  Source = "pairing"
	SourceRegistry Source = "session_registry"
	SourceRTSP     Source = "rtsp_negotiator"
	SourceRunner   Source = "runner"
	SourceDevices  Source = "device_orchestrator"
	SourceUnknown  Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   any
}

// ColorRange mirrors the video pipeline's color range signalling.
type ColorRange int

const (
	ColorRangeJPEG ColorRange = iota // full range
	ColorRangeMPEG                   // limited range
)

// ColorSpace mirrors the video pipeline's colorimetry signalling.
type ColorSpace int

const (
	ColorSpaceBT601 ColorSpace = iota
	ColorSpaceBT709
	ColorSpaceBT2020
)

// DisplayMode describes the resolution/refresh/hdr tuple negotiated for a session.
type DisplayMode struct {
	Width       int
	Height      int
	RefreshRate int
	HDR         bool
}

// PairSignalEvent is published when the pairing state machine needs an
// out-of-band UI/CLI to supply the PIN the user read off the host. See
// spec §4.3 phase 1 and §9 "Promises for out-of-band PIN".
type PairSignalEvent struct {
	ClientIP string
	HostIP   string
	// Resolve delivers the PIN typed by the user. Exactly one call wins;
	// subsequent calls are ignored. See pairingstate's pinPromise.
	Resolve func(pin string)
}

// PlugDeviceEvent describes a hotplug descriptor the runner should apply.
type PlugDeviceEvent struct {
	SessionID   uint64
	UdevEvents  []map[string]string
	HwDBEntries map[string][]string // non-empty HwDBEntries marks a critical event (spec §8 hotplug overflow)
}

// UnplugDeviceEvent mirrors PlugDeviceEvent for device removal.
type UnplugDeviceEvent struct {
	SessionID   uint64
	UdevEvents  []map[string]string
	HwDBEntries map[string][]string
}

// StreamSessionEvent is published once when a StreamSession is created,
// carrying a reference-counted immutable handle (spec §3 Ownership).
type StreamSessionEvent struct {
	SessionID uint64
	Session   StreamSessionRef
}

// StreamSessionRef is the minimal read-only surface subscribers need from a
// StreamSession without importing package session (which publishes this
// event and would otherwise create an import cycle).
type StreamSessionRef interface {
	ID() uint64
	ClientIP() string
	AppStateFolder() string
}

// VideoSessionEvent carries the concrete parameters a video pipeline starter
// needs, emitted by the RTSP negotiator once SETUP/ANNOUNCE/PLAY complete.
type VideoSessionEvent struct {
	SessionID                  uint64
	DisplayMode                DisplayMode
	PipelineDescription        string
	Port                       int
	TimeoutMillis              int
	PacketSize                 int
	FramesWithInvalidRefThresh int
	FECPercentage              int
	MinRequiredFECPackets      int
	BitrateKbps                int64
	SlicesPerFrame             int
	ColorRange                 ColorRange
	ColorSpace                 ColorSpace
	ClientIP                   string
}

// AudioSessionEvent carries the concrete parameters an audio pipeline
// starter needs.
type AudioSessionEvent struct {
	SessionID           uint64
	PipelineDescription string
	EncryptAudio        bool
	AESKey              [16]byte
	AESIV               [16]byte
	Port                int
	ClientIP            string
	PacketDuration       int
	ChannelCount         int
}

// IDRRequestEvent asks the video pipeline to emit an intra-coded frame.
type IDRRequestEvent struct {
	SessionID uint64
}

// PauseStreamEvent stops media pipelines but retains device/runner state.
type PauseStreamEvent struct {
	SessionID uint64
}

// ResumeStreamEvent restarts pipelines using the last known parameters.
type ResumeStreamEvent struct {
	SessionID uint64
}

// StopStreamEvent is terminal for a session_id: no further Pause/Resume/IDR
// may be delivered once the registry has observed it (spec §4.4, §5).
type StopStreamEvent struct {
	SessionID uint64
	Reason    string
}

// RTPVideoPingEvent/RTPAudioPingEvent are periodic liveness pings the client
// sends on the RTP ports to keep NAT bindings open.
type RTPVideoPingEvent struct {
	ClientIP   string
	ClientPort int
}

// RTPAudioPingEvent mirrors RTPVideoPingEvent for the audio port.
type RTPAudioPingEvent struct {
	ClientIP   string
	ClientPort int
}
