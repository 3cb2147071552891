package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"
)

var sequence atomic.Uint64

// NextSequence returns the next value of the process-wide arrival counter.
func NextSequence() uint64 {
	return sequence.Add(1)
}

// Message is the unit flowing through a pipeline. It is treated as a value:
// stages return modified copies instead of mutating the input.
type Message struct {
	ID         string
	Sequence   uint64
	Timestamp  time.Time
	Source     string
	Payload    []byte
	Attributes map[string]interface{}
}

// NewMessage creates a message with the next arrival sequence. An empty id is
// derived from the message content.
func NewMessage(id, source string, payload []byte) Message {
	if id == "" {
		id = DeriveID(source, payload)
	}
	return Message{
		ID:         id,
		Sequence:   NextSequence(),
		Timestamp:  time.Now().UTC(),
		Source:     source,
		Payload:    payload,
		Attributes: make(map[string]interface{}),
	}
}

// DeriveID computes a deterministic identifier from source and payload.
func DeriveID(source string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (m Message) IsEmpty() bool {
	return len(m.Payload) == 0
}

// WithPayload returns a copy of m carrying payload.
func (m Message) WithPayload(payload []byte) Message {
	m.Payload = payload
	return m
}

// WithAttribute returns a copy of m with key set; the receiver's map is not modified.
func (m Message) WithAttribute(key string, value interface{}) Message {
	attrs := make(map[string]interface{}, len(m.Attributes)+1)
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	m.Attributes = attrs
	return m
}

func (m Message) Attribute(key string) (interface{}, bool) {
	if m.Attributes == nil {
		return nil, false
	}
	v, ok := m.Attributes[key]
	return v, ok
}

// PayloadMap decodes the payload as a JSON object. Payloads that are empty or
// not a JSON object yield an empty map and ok=false.
func (m Message) PayloadMap() (map[string]interface{}, bool) {
	result := make(map[string]interface{})
	if len(m.Payload) == 0 {
		return result, false
	}
	if err := json.Unmarshal(m.Payload, &result); err != nil {
		return make(map[string]interface{}), false
	}
	return result, true
}

// Envelope is the JSON wire form of a message used by the broker and HTTP API.
type Envelope struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	Timestamp  time.Time              `json:"timestamp"`
	Sequence   uint64                 `json:"sequence,omitempty"`
	Payload    json.RawMessage        `json:"payload"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Metadata   Metadata               `json:"metadata"`
}

type Metadata struct {
	TraceID   string     `json:"trace_id,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	Stage     string     `json:"stage,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Pipeline  string     `json:"pipeline,omitempty"`
	Processed *time.Time `json:"processed_at,omitempty"`
}

// ToMessage converts the wire envelope into a pipeline message. A missing id is
// derived from content and a missing timestamp becomes the arrival time.
func (e Envelope) ToMessage() Message {
	msg := NewMessage(e.ID, e.Source, decodePayload(e.Payload))
	if !e.Timestamp.IsZero() {
		msg.Timestamp = e.Timestamp
	}
	for k, v := range e.Attributes {
		msg.Attributes[k] = v
	}
	return msg
}

// decodePayload unwraps JSON strings into their raw text so that a string
// payload round-trips with EnvelopeFrom. null decodes to an empty payload.
func decodePayload(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err == nil {
			return []byte(text)
		}
	}
	return []byte(trimmed)
}

// EnvelopeFrom converts a message back into its wire form.
func EnvelopeFrom(m Message) Envelope {
	var payload json.RawMessage
	if len(m.Payload) > 0 {
		if json.Valid(m.Payload) {
			payload = json.RawMessage(m.Payload)
		} else {
			quoted, _ := json.Marshal(string(m.Payload))
			payload = quoted
		}
	}
	return Envelope{
		ID:         m.ID,
		Source:     m.Source,
		Timestamp:  m.Timestamp,
		Sequence:   m.Sequence,
		Payload:    payload,
		Attributes: m.Attributes,
	}
}
