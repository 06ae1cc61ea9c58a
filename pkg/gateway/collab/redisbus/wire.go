package redisbus

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxflame/voxgate/pkg/core/events"
)

// Payloads published to collaborators.

type asrInbound struct {
	Type      string         `json:"type"` // audio | finalize
	SessionID string         `json:"session_id"`
	Audio     string         `json:"audio,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type correctorInbound struct {
	SessionID    string               `json:"session_id"`
	CorrectionID string               `json:"correction_id"`
	TurnID       int64                `json:"turn_id"`
	Text         string               `json:"text"`
	ContextTurns []events.ContextTurn `json:"context_turns"`
}

type ttsInbound struct {
	Type      string `json:"type"` // synthesize | flush
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Payloads collaborators publish back.

type asrResult struct {
	Text       string `json:"text"`
	IsFinal    bool   `json:"is_final"`
	StartMS    int64  `json:"start_ms"`
	DurationMS int64  `json:"duration_ms"`
	Language   string `json:"language"`
}

// correctorResult must echo correction_id; the other fields besides
// corrected_text and error are optional.
type correctorResult struct {
	CorrectionID  string `json:"correction_id"`
	TurnID        int64  `json:"turn_id"`
	OriginalText  string `json:"original_text"`
	CorrectedText string `json:"corrected_text"`
	Error         string `json:"error,omitempty"`
}

type ttsResult struct {
	Type      string `json:"type"` // started | ended | failed | audio
	RequestID string `json:"request_id"`
	Audio     string `json:"audio,omitempty"`
	Error     string `json:"error,omitempty"`
}

// encodeOutbound renders msg and names the channel it goes to.
func (b *Bus) encodeOutbound(sessionID string, msg events.Message) (channel string, payload []byte, err error) {
	switch m := msg.(type) {
	case events.AudioFrame:
		payload, err = json.Marshal(asrInbound{
			Type:      "audio",
			SessionID: sessionID,
			Audio:     base64.StdEncoding.EncodeToString(m.Data),
			Metadata:  m.Metadata,
		})
		return b.channel("asr", "in", sessionID), payload, err
	case events.RecognizerFinalize:
		payload, err = json.Marshal(asrInbound{Type: "finalize", SessionID: sessionID})
		return b.channel("asr", "in", sessionID), payload, err
	case events.CorrectionRequest:
		turns := m.Context
		if turns == nil {
			turns = []events.ContextTurn{}
		}
		payload, err = json.Marshal(correctorInbound{
			SessionID:    sessionID,
			CorrectionID: m.CorrectionID,
			TurnID:       m.TurnID,
			Text:         m.Text,
			ContextTurns: turns,
		})
		return b.channel("corrector", "in", ""), payload, err
	case events.SynthesisRequest:
		payload, err = json.Marshal(ttsInbound{Type: "synthesize", SessionID: sessionID, RequestID: m.RequestID, Text: m.Text})
		return b.channel("tts", "in", ""), payload, err
	case events.SynthesisFlush:
		payload, err = json.Marshal(ttsInbound{Type: "flush", SessionID: sessionID, RequestID: m.RequestID})
		return b.channel("tts", "in", ""), payload, err
	default:
		return "", nil, fmt.Errorf("redisbus: unsupported message %s", msg.MessageType())
	}
}

// decodeInbound turns a collaborator reply into a coordinator event.
func decodeInbound(service string, payload []byte) (events.Event, error) {
	switch service {
	case "asr":
		var r asrResult
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		return events.RecognitionResult{
			Text:       r.Text,
			IsFinal:    r.IsFinal,
			StartMS:    r.StartMS,
			DurationMS: r.DurationMS,
			Language:   r.Language,
		}, nil
	case "corrector":
		var r correctorResult
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		if strings.TrimSpace(r.Error) != "" {
			return events.CorrectionFailed{
				CorrectionID: r.CorrectionID,
				TurnID:       r.TurnID,
				OriginalText: r.OriginalText,
				Reason:       r.Error,
			}, nil
		}
		return events.CorrectedText{
			CorrectionID:  r.CorrectionID,
			TurnID:        r.TurnID,
			OriginalText:  r.OriginalText,
			CorrectedText: r.CorrectedText,
		}, nil
	case "tts":
		var r ttsResult
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		switch r.Type {
		case "started":
			return events.SynthesisStarted{RequestID: r.RequestID}, nil
		case "ended":
			return events.SynthesisEnded{RequestID: r.RequestID}, nil
		case "failed":
			return events.SynthesisFailed{RequestID: r.RequestID, Reason: r.Error}, nil
		case "audio":
			audio, err := base64.StdEncoding.DecodeString(r.Audio)
			if err != nil {
				return nil, fmt.Errorf("audio: %w", err)
			}
			return events.SynthesisAudio{RequestID: r.RequestID, Audio: audio}, nil
		default:
			return nil, fmt.Errorf("unknown synthesizer event %q", r.Type)
		}
	default:
		return nil, fmt.Errorf("unknown service %q", service)
	}
}
