package eventbus

// TopicDef binds a Topic string to a payload type T at compile time, so
// PublishTyped/SubscribeTyped give callers a compiler-checked pairing
// between topic and payload instead of a bare type assertion at each
// call site.
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef creates a typed topic descriptor for the given topic string.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic string.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// Topics groups every topic descriptor declared by the closed event set in
// types.go, analogous to the teacher's per-domain TopicDef groupings.
var Topics = struct {
	PairSignal    TopicDef[PairSignalEvent]
	PlugDevice    TopicDef[PlugDeviceEvent]
	UnplugDevice  TopicDef[UnplugDeviceEvent]
	StreamSession TopicDef[StreamSessionEvent]
	VideoSession  TopicDef[VideoSessionEvent]
	AudioSession  TopicDef[AudioSessionEvent]
	IDRRequest    TopicDef[IDRRequestEvent]
	PauseStream   TopicDef[PauseStreamEvent]
	ResumeStream  TopicDef[ResumeStreamEvent]
	StopStream    TopicDef[StopStreamEvent]
	RTPVideoPing  TopicDef[RTPVideoPingEvent]
	RTPAudioPing  TopicDef[RTPAudioPingEvent]
}{
	PairSignal:    NewTopicDef[PairSignalEvent](TopicPairSignal),
	PlugDevice:    NewTopicDef[PlugDeviceEvent](TopicPlugDevice),
	UnplugDevice:  NewTopicDef[UnplugDeviceEvent](TopicUnplugDevice),
	StreamSession: NewTopicDef[StreamSessionEvent](TopicStreamSession),
	VideoSession:  NewTopicDef[VideoSessionEvent](TopicVideoSession),
	AudioSession:  NewTopicDef[AudioSessionEvent](TopicAudioSession),
	IDRRequest:    NewTopicDef[IDRRequestEvent](TopicIDRRequest),
	PauseStream:   NewTopicDef[PauseStreamEvent](TopicPauseStream),
	ResumeStream:  NewTopicDef[ResumeStreamEvent](TopicResumeStream),
	StopStream:    NewTopicDef[StopStreamEvent](TopicStopStream),
	RTPVideoPing:  NewTopicDef[RTPVideoPingEvent](TopicRTPVideoPing),
	RTPAudioPing:  NewTopicDef[RTPAudioPingEvent](TopicRTPAudioPing),
}

// PublishTyped publishes a typed payload using the topic bound to td.
// If bus is nil the call is a no-op.
func PublishTyped[T any](bus *Bus, td TopicDef[T], source Source, payload T) {
	if bus == nil {
		return
	}
	bus.Publish(Envelope{Topic: td.topic, Source: source, Payload: payload})
}

// SubscribeTyped registers handler for every event published on td's topic.
// Envelopes whose payload does not assert to T are skipped (this never
// happens in practice since td and PublishTyped share the same Topic, but
// guards against programmer error rather than panicking).
func SubscribeTyped[T any](bus *Bus, td TopicDef[T], handler func(T)) *Registration {
	return bus.Subscribe(td.topic, func(env Envelope) {
		payload, ok := env.Payload.(T)
		if !ok {
			return
		}
		handler(payload)
	})
}
