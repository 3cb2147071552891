package models

import "time"

type MessageBuilder struct {
	msg Message
}

func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{
		msg: Message{
			Attributes: make(map[string]interface{}),
		},
	}
}

func (b *MessageBuilder) WithID(id string) *MessageBuilder {
	b.msg.ID = id
	return b
}

func (b *MessageBuilder) WithSource(source string) *MessageBuilder {
	b.msg.Source = source
	return b
}

func (b *MessageBuilder) WithTimestamp(timestamp time.Time) *MessageBuilder {
	b.msg.Timestamp = timestamp
	return b
}

func (b *MessageBuilder) WithPayload(payload []byte) *MessageBuilder {
	b.msg.Payload = payload
	return b
}

func (b *MessageBuilder) WithPayloadString(payload string) *MessageBuilder {
	b.msg.Payload = []byte(payload)
	return b
}

func (b *MessageBuilder) WithAttribute(key string, value interface{}) *MessageBuilder {
	b.msg.Attributes[key] = value
	return b
}

// Build fills in the sequence, a derived id and the arrival time when they
// were not set explicitly.
func (b *MessageBuilder) Build() Message {
	msg := b.msg
	if msg.ID == "" {
		msg.ID = DeriveID(msg.Source, msg.Payload)
	}
	if msg.Sequence == 0 {
		msg.Sequence = NextSequence()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}
