// Package protocol decodes client frames and encodes server frames for the
// live websocket endpoint.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/voxflame/voxgate/pkg/core/events"
)

// Decode error codes.
const (
	CodeInvalidJSON     = "invalid_json"
	CodeMissingField    = "missing_field"
	CodeInvalidBase64   = "invalid_base64"
	CodeUnsupportedType = "unsupported_type"
	CodeEmptyFrame      = "empty_frame"
	CodeRateLimited     = "rate_limited"
	CodeFrameTooLarge   = "frame_too_large"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(code, message, param string) *DecodeError {
	return &DecodeError{Code: code, Message: message, Param: param}
}

// Control operations a client may send.
const (
	OpFlush        = "flush"
	OpInterrupt    = "interrupt"
	OpEndAudio     = "end_audio"
	OpEndSession   = "end_session"
	OpUserInput    = "user_input"
	OpResetContext = "reset_context"
)

// ClientAudio is a decoded audio payload. Audio holds raw PCM.
type ClientAudio struct {
	Audio    []byte
	Metadata map[string]any
}

// ClientControl is a structured command. Text is only set for user_input.
type ClientControl struct {
	Op   string
	Text string
}

type clientFrame struct {
	Type     string         `json:"type"`
	Audio    *string        `json:"audio"`
	Metadata map[string]any `json:"metadata"`
	Text     *string        `json:"text"`
}

// DecodeClientMessage decodes a text frame into ClientAudio or ClientControl.
// A frame without a type is treated as audio, matching the plain
// {audio, metadata} client payload.
func DecodeClientMessage(data []byte) (any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, badRequest(CodeEmptyFrame, "empty frame", "")
	}
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, badRequest(CodeInvalidJSON, "invalid json frame", "")
	}

	typ := strings.TrimSpace(frame.Type)
	switch typ {
	case "", "audio":
		return decodeAudio(frame)
	case OpFlush, OpInterrupt, OpEndAudio, OpEndSession, OpResetContext:
		return ClientControl{Op: typ}, nil
	case OpUserInput:
		if frame.Text == nil || strings.TrimSpace(*frame.Text) == "" {
			return nil, badRequest(CodeMissingField, "user_input.text is required", "text")
		}
		return ClientControl{Op: typ, Text: strings.TrimSpace(*frame.Text)}, nil
	default:
		return nil, badRequest(CodeUnsupportedType, "unsupported message type", "type")
	}
}

func decodeAudio(frame clientFrame) (any, error) {
	if frame.Audio == nil || *frame.Audio == "" {
		return nil, badRequest(CodeMissingField, "audio is required", "audio")
	}
	pcm, err := base64.StdEncoding.DecodeString(*frame.Audio)
	if err != nil {
		return nil, badRequest(CodeInvalidBase64, "audio is not valid base64", "audio")
	}
	if len(pcm) == 0 {
		return nil, badRequest(CodeMissingField, "audio is empty", "audio")
	}
	return ClientAudio{Audio: pcm, Metadata: frame.Metadata}, nil
}

// DecodeBinary wraps a binary websocket frame as raw PCM.
func DecodeBinary(data []byte) (ClientAudio, error) {
	if len(data) == 0 {
		return ClientAudio{}, badRequest(CodeEmptyFrame, "empty audio frame", "")
	}
	pcm := make([]byte, len(data))
	copy(pcm, data)
	return ClientAudio{Audio: pcm}, nil
}

type ServerError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerTranscript keys are snake_case like every other frame; the time is
// Unix milliseconds under timestamp_ms.
type ServerTranscript struct {
	Type        string         `json:"type"`
	Role        string         `json:"role"`
	Text        string         `json:"text"`
	IsFinal     bool           `json:"is_final"`
	TimestampMS int64          `json:"timestamp_ms"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ServerSessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type ServerAudio struct {
	Type     string         `json:"type"`
	Audio    string         `json:"audio"`
	Metadata map[string]any `json:"metadata"`
}

// EncodeError builds the error frame sent to the originating connection.
func EncodeError(err error) ([]byte, error) {
	frame := ServerError{Type: "error", Error: "internal error"}
	if err != nil {
		frame.Error = err.Error()
	}
	var de *DecodeError
	if errors.As(err, &de) {
		frame.Code = de.Code
	}
	return json.Marshal(frame)
}

// EncodeMessage renders a client-bound message. Collaborator messages are
// rejected.
func EncodeMessage(msg events.Message) ([]byte, error) {
	switch m := msg.(type) {
	case events.Transcript:
		return json.Marshal(ServerTranscript{
			Type:        "transcript",
			Role:        m.Role,
			Text:        m.Text,
			IsFinal:     m.IsFinal,
			TimestampMS: m.TimestampMS,
			Metadata:    m.Metadata,
		})
	case events.SessionStarted:
		return json.Marshal(ServerSessionStarted{Type: "session_started", SessionID: m.SessionID})
	case events.Warning:
		return json.Marshal(ServerWarning{Type: "warning", Code: m.Code, Message: m.Message})
	case events.AssistantAudio:
		return json.Marshal(ServerAudio{
			Type:     "audio",
			Audio:    base64.StdEncoding.EncodeToString(m.Audio),
			Metadata: map[string]any{"request_id": m.RequestID},
		})
	case nil:
		return nil, fmt.Errorf("protocol: nil message")
	default:
		return nil, fmt.Errorf("protocol: %s is not a client frame", msg.MessageType())
	}
}
