package transport

import (
	"encoding/json"

	"github.com/zhiheng-yu/transcriptor/internal/observability"
)

// Control message types
const (
	TypePing   = "ping"
	ResultPass = "pass"
)

// EchoRequest is a client-echo mode request. Every field is required; the
// last_* fields are copied verbatim from the previous response.
type EchoRequest struct {
	AudioBase64      string `json:"audio_base64"`
	LastSpeaker      string `json:"last_speaker"`
	LastSentence     string `json:"last_sentence"`
	LastTranscript   string `json:"last_transcript"`
	LastBufferBase64 string `json:"last_buffer_base64"`
}

// EchoResponse is a client-echo mode response
type EchoResponse struct {
	Final        bool   `json:"final"`
	Speaker      string `json:"speaker"`
	Sentence     string `json:"sentence"`
	Transcript   string `json:"transcript"`
	BufferBase64 string `json:"buffer_base64"`
}

// HeldRequest is a server-held mode request
type HeldRequest struct {
	AudioBase64 string `json:"audio_base64"`
}

// HeldResponse is a server-held mode response. SessionID can be passed back
// as the session query parameter to resume after a reconnect.
type HeldResponse struct {
	Final      bool   `json:"final"`
	Speaker    string `json:"speaker"`
	Sentence   string `json:"sentence"`
	Transcript string `json:"transcript"`
	SessionID  string `json:"session_id"`
}

// ControlMessage is the ping request and its reply
type ControlMessage struct {
	Type   string `json:"type"`
	Result string `json:"result,omitempty"`
}

// incoming is what the read loop decodes every message into. Pointer fields
// tell a missing field apart from an empty one.
type incoming struct {
	Type             string  `json:"type"`
	AudioBase64      *string `json:"audio_base64"`
	LastSpeaker      *string `json:"last_speaker"`
	LastSentence     *string `json:"last_sentence"`
	LastTranscript   *string `json:"last_transcript"`
	LastBufferBase64 *string `json:"last_buffer_base64"`
}

// missingEchoFields lists required client-echo fields absent from m
func (m incoming) missingEchoFields() []string {
	var missing []string
	if m.AudioBase64 == nil {
		missing = append(missing, "audio_base64")
	}
	if m.LastSpeaker == nil {
		missing = append(missing, "last_speaker")
	}
	if m.LastSentence == nil {
		missing = append(missing, "last_sentence")
	}
	if m.LastTranscript == nil {
		missing = append(missing, "last_transcript")
	}
	if m.LastBufferBase64 == nil {
		missing = append(missing, "last_buffer_base64")
	}
	return missing
}

// marshalResponse encodes a reply indented by four spaces, which existing
// clients match on
func marshalResponse(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "    ")
}

// redact returns a loggable view of a raw message with audio fields masked.
// Messages that are not JSON objects are reported by size only.
func redact(data []byte) map[string]any {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return map[string]any{"raw": "[unparsable]", "len": len(data)}
	}
	return observability.RedactPayload(fields)
}
