package gemini

// SessionStats is a snapshot of the counters accumulated over one upstream
// connection. Token counts mirror the service's cumulative usage reports;
// they never decrease within a session.
type SessionStats struct {
	MessageCount       uint64  `json:"messageCount"`
	AudioChunksSent    uint64  `json:"audioChunksSent"`
	ElapsedSeconds     float64 `json:"elapsedSeconds"`
	TotalTokenCount    int     `json:"totalTokenCount"`
	PromptTokenCount   int     `json:"promptTokenCount"`
	ResponseTokenCount int     `json:"responseTokenCount"`
}

// ClientEvent is the closed set of events the upstream client hands to the
// gateway's forward pump. Exactly one of the variant fields is meaningful
// for each Kind; the forward pump switches exhaustively on Kind so that a
// new variant cannot be silently dropped.
type ClientEvent struct {
	Kind  EventKind
	Audio []byte        // EventAudio: raw PCM16, even byte count
	JSON  string        // EventJSON: pre-serialized ClientEventMessage
	Error string        // EventError: human-readable failure description
	Stats *SessionStats // EventError and EventSessionEnd: final counters
}

// EventKind tags a ClientEvent variant.
type EventKind int

const (
	// EventAudio carries a raw audio chunk for the client.
	EventAudio EventKind = iota
	// EventJSON carries a serialized JSON envelope for the client.
	EventJSON
	// EventError reports a fatal session error with diagnostics.
	EventError
	// EventSessionEnd reports a benign session termination with stats.
	EventSessionEnd
	// EventClose is the unconditional final sentinel: no more events follow.
	EventClose
)

func audioEvent(data []byte) ClientEvent {
	return ClientEvent{Kind: EventAudio, Audio: data}
}

func jsonEvent(payload string) ClientEvent {
	return ClientEvent{Kind: EventJSON, JSON: payload}
}

func errorEvent(message string, stats *SessionStats) ClientEvent {
	return ClientEvent{Kind: EventError, Error: message, Stats: stats}
}

func sessionEndEvent(stats *SessionStats) ClientEvent {
	return ClientEvent{Kind: EventSessionEnd, Stats: stats}
}

func closeEvent() ClientEvent {
	return ClientEvent{Kind: EventClose}
}
