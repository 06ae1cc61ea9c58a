// Package events defines the closed set of events a live session consumes and
// the messages it sends to collaborators and to the client display channel.
//
// Adding a variant means adding a type here that implements Event (or Message)
// and a case in every exhaustive switch; the unexported marker methods keep
// other packages from extending either union.
package events

import (
	"errors"
	"strings"
	"time"
)

// Kind names an event variant for logs and metrics.
type Kind string

const (
	KindUserConnected     Kind = "user_connected"
	KindUserDisconnected  Kind = "user_disconnected"
	KindRecognitionResult Kind = "recognition_result"
	KindCorrectedText     Kind = "corrected_text"
	KindCorrectionFailed  Kind = "correction_failed"
	KindSynthesisStarted  Kind = "synthesis_started"
	KindSynthesisEnded    Kind = "synthesis_ended"
	KindSynthesisFailed   Kind = "synthesis_failed"
	KindSynthesisAudio    Kind = "synthesis_audio"
	KindInterrupt         Kind = "interrupt"
	KindFlush             Kind = "flush"
	KindResetContext      Kind = "reset_context"
)

// Event is consumed by exactly one session's coordinator.
type Event interface {
	Kind() Kind
	// Validate reports a missing required field.
	Validate() error
	isEvent()
}

// ErrMissingField is wrapped by Validate failures.
var ErrMissingField = errors.New("missing required field")

func missing(field string) error {
	return &FieldError{Field: field}
}

// FieldError names the field a malformed event is missing.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string {
	return "missing required field: " + e.Field
}

func (e *FieldError) Unwrap() error { return ErrMissingField }

type UserConnected struct{}

type UserDisconnected struct {
	Reason string
}

// RecognitionResult is a transcription from the recognizer. Partial results
// (IsFinal=false) may precede a final one for the same utterance.
type RecognitionResult struct {
	Text       string
	IsFinal    bool
	StartMS    int64
	DurationMS int64
	Language   string
	Metadata   map[string]any
}

// CorrectedText is the corrector's answer to the request CorrectionID.
// TurnID and OriginalText are echoed for logging only.
type CorrectedText struct {
	CorrectionID  string
	TurnID        int64
	OriginalText  string
	CorrectedText string
}

// CorrectionFailed reports that the corrector could not answer CorrectionID.
type CorrectionFailed struct {
	CorrectionID string
	TurnID       int64
	OriginalText string
	Reason       string
}

type SynthesisStarted struct {
	RequestID string
}

type SynthesisEnded struct {
	RequestID string
}

// SynthesisFailed is treated like SynthesisEnded for the same request.
type SynthesisFailed struct {
	RequestID string
	Reason    string
}

// SynthesisAudio carries one chunk of synthesized audio for RequestID.
type SynthesisAudio struct {
	RequestID string
	Audio     []byte
}

type Interrupt struct {
	Reason string
}

// Flush cancels the active turn, if any.
type Flush struct{}

// ResetContext clears the conversation history.
type ResetContext struct{}

func (UserConnected) Kind() Kind     { return KindUserConnected }
func (UserDisconnected) Kind() Kind  { return KindUserDisconnected }
func (RecognitionResult) Kind() Kind { return KindRecognitionResult }
func (CorrectedText) Kind() Kind     { return KindCorrectedText }
func (CorrectionFailed) Kind() Kind  { return KindCorrectionFailed }
func (SynthesisStarted) Kind() Kind  { return KindSynthesisStarted }
func (SynthesisEnded) Kind() Kind    { return KindSynthesisEnded }
func (SynthesisFailed) Kind() Kind   { return KindSynthesisFailed }
func (SynthesisAudio) Kind() Kind    { return KindSynthesisAudio }
func (Interrupt) Kind() Kind         { return KindInterrupt }
func (Flush) Kind() Kind             { return KindFlush }
func (ResetContext) Kind() Kind      { return KindResetContext }

func (UserConnected) Validate() error    { return nil }
func (UserDisconnected) Validate() error { return nil }
func (Interrupt) Validate() error        { return nil }
func (Flush) Validate() error            { return nil }
func (ResetContext) Validate() error     { return nil }

// Validate accepts empty text; the coordinator ignores blank results.
func (e RecognitionResult) Validate() error {
	if e.StartMS < 0 {
		return missing("start_ms")
	}
	if e.DurationMS < 0 {
		return missing("duration_ms")
	}
	return nil
}

func (e CorrectedText) Validate() error    { return requireCorrectionID(e.CorrectionID) }
func (e CorrectionFailed) Validate() error { return requireCorrectionID(e.CorrectionID) }

func (e SynthesisStarted) Validate() error { return requireRequestID(e.RequestID) }
func (e SynthesisEnded) Validate() error   { return requireRequestID(e.RequestID) }
func (e SynthesisFailed) Validate() error  { return requireRequestID(e.RequestID) }

func (e SynthesisAudio) Validate() error {
	if err := requireRequestID(e.RequestID); err != nil {
		return err
	}
	if len(e.Audio) == 0 {
		return missing("audio")
	}
	return nil
}

func requireRequestID(id string) error {
	if strings.TrimSpace(id) == "" {
		return missing("request_id")
	}
	return nil
}

func requireCorrectionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return missing("correction_id")
	}
	return nil
}

func (UserConnected) isEvent()     {}
func (UserDisconnected) isEvent()  {}
func (RecognitionResult) isEvent() {}
func (CorrectedText) isEvent()     {}
func (CorrectionFailed) isEvent()  {}
func (SynthesisStarted) isEvent()  {}
func (SynthesisEnded) isEvent()    {}
func (SynthesisFailed) isEvent()   {}
func (SynthesisAudio) isEvent()    {}
func (Interrupt) isEvent()         {}
func (Flush) isEvent()             {}
func (ResetContext) isEvent()      {}

// AudioFrame is one decoded client audio payload on its way to the recognizer.
type AudioFrame struct {
	SessionID string
	Data      []byte
	Metadata  map[string]any
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of a session's conversation history.
type Turn struct {
	Role    string
	Content string
	// Original holds the uncorrected text of an assistant turn.
	Original string
	At       time.Time
}
