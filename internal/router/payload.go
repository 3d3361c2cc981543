package router

import (
	"encoding/json"
	"fmt"
	"time"

	"pawzap/internal/queue"
)

// Job kinds understood by the worker.
const (
	JobKindText  = "inbound_text"
	JobKindMedia = "inbound_media"
)

// Payload is the typed content of an inbound job. The concrete type decides
// how the worker treats the message; there is no generic field bag.
type Payload interface {
	payloadKind() string
	Common() MessageMeta
}

// MessageMeta carries the fields every inbound message has.
type MessageMeta struct {
	ExternalID string    `json:"externalId"`
	FromJID    string    `json:"fromJid"`
	FromNumber string    `json:"fromNumber"`
	PushName   string    `json:"pushName"`
	Timestamp  time.Time `json:"timestamp"`
}

// TextMessage is a plain text inbound message.
type TextMessage struct {
	MessageMeta
	Text string `json:"text"`
}

// MediaMessage is an inbound message with an attachment that has already
// been uploaded to object storage.
type MediaMessage struct {
	MessageMeta
	Caption  string `json:"caption"`
	MimeType string `json:"mimeType"`
	MediaURL string `json:"mediaUrl"`
}

func (TextMessage) payloadKind() string  { return JobKindText }
func (MediaMessage) payloadKind() string { return JobKindMedia }

func (m TextMessage) Common() MessageMeta  { return m.MessageMeta }
func (m MediaMessage) Common() MessageMeta { return m.MessageMeta }

// NewJob wraps a payload into a queue job with the matching kind.
func NewJob(orgID string, payload Payload) (queue.Job, error) {
	return queue.NewJob(orgID, payload.payloadKind(), payload)
}

// DecodePayload rebuilds the typed payload from a queue job. Unknown kinds
// are an error, not a silent skip, so a deploy mismatch surfaces in the
// dead-letter queue instead of losing traffic.
func DecodePayload(job queue.Job) (Payload, error) {
	switch job.Kind {
	case JobKindText:
		var p TextMessage
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode text payload: %w", err)
		}
		return p, nil
	case JobKindMedia:
		var p MediaMessage
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode media payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
