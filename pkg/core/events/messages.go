package events

// Message is sent by a coordinator through the router, either to a named
// collaborator or to a session's display channel.
type Message interface {
	MessageType() string
	isMessage()
}

// ContextTurn is the corrector's view of a history entry.
type ContextTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CorrectionRequest asks the corrector to repair Text. The answer must echo
// CorrectionID, which is unique across sessions and reconnects; TurnID is the
// session's turn number.
type CorrectionRequest struct {
	CorrectionID string
	TurnID       int64
	Text         string
	Context      []ContextTurn
}

// SynthesisRequest asks the synthesizer to speak Text under RequestID.
type SynthesisRequest struct {
	RequestID string
	Text      string
}

// SynthesisFlush cancels RequestID, or whatever is playing when empty.
type SynthesisFlush struct {
	RequestID string
}

// RecognizerFinalize asks the recognizer to close the current utterance.
type RecognizerFinalize struct{}

// Transcript is a display update for the client.
type Transcript struct {
	Role        string
	Text        string
	IsFinal     bool
	TimestampMS int64
	Metadata    map[string]any
}

// SessionStarted tells the client which session id it was given.
type SessionStarted struct {
	SessionID string
}

// Warning is a non-fatal notice for the client, e.g. server draining.
type Warning struct {
	Code    string
	Message string
}

// AssistantAudio relays a synthesized audio chunk to the client.
type AssistantAudio struct {
	RequestID string
	Audio     []byte
}

func (CorrectionRequest) MessageType() string  { return "correction_request" }
func (SynthesisRequest) MessageType() string   { return "synthesis_request" }
func (SynthesisFlush) MessageType() string     { return "flush" }
func (RecognizerFinalize) MessageType() string { return "finalize" }
func (Transcript) MessageType() string         { return "transcript" }
func (SessionStarted) MessageType() string     { return "session_started" }
func (Warning) MessageType() string            { return "warning" }
func (AssistantAudio) MessageType() string     { return "audio" }

func (CorrectionRequest) isMessage()  {}
func (SynthesisRequest) isMessage()   {}
func (SynthesisFlush) isMessage()     {}
func (RecognizerFinalize) isMessage() {}
func (Transcript) isMessage()         {}
func (SessionStarted) isMessage()     {}
func (Warning) isMessage()            {}
func (AssistantAudio) isMessage()     {}

func (AudioFrame) MessageType() string { return "audio_frame" }
func (AudioFrame) isMessage()          {}
