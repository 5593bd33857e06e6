package stream

import "time"

// Envelope types.
const (
	TypeStatus       = "status"
	TypeSearchResult = "search_result"
	TypeAnswerChunk  = "answer_chunk"
	TypeError        = "error"
)

// DoneMarker terminates the SSE stream. It is a bare line, not an envelope.
const DoneMarker = "[DONE]"

// Envelope is the wire-level unit sent to the client, one per SSE data line.
type Envelope struct {
	Type      string         `json:"type"`
	Data      any            `json:"data"`
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func newEnvelope(requestID, sessionID, typ string, data any, meta map[string]any) Envelope {
	return Envelope{
		Type:      typ,
		Data:      data,
		RequestID: requestID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Metadata:  meta,
	}
}
