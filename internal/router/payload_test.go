package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pawzap/internal/queue"
)

func TestPayloadRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	job, err := NewJob("org-1", TextMessage{
		MessageMeta: MessageMeta{
			ExternalID: "WAMID-1",
			FromJID:    "5511988887777@s.whatsapp.net",
			FromNumber: "5511988887777",
			PushName:   "Maria",
			Timestamp:  now,
		},
		Text: "oi, tem horário amanhã?",
	})
	require.NoError(t, err)
	assert.Equal(t, JobKindText, job.Kind)

	decoded, err := DecodePayload(job)
	require.NoError(t, err)
	text, ok := decoded.(TextMessage)
	require.True(t, ok)
	assert.Equal(t, "oi, tem horário amanhã?", text.Text)
	assert.Equal(t, "WAMID-1", text.Common().ExternalID)
}

func TestDecodeMediaPayload(t *testing.T) {
	job, err := NewJob("org-1", MediaMessage{
		MessageMeta: MessageMeta{ExternalID: "WAMID-2", FromNumber: "5511988887777"},
		Caption:     "foto do meu cachorro",
		MimeType:    "image/jpeg",
		MediaURL:    "https://bucket.s3.amazonaws.com/org-1/WAMID-2.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, JobKindMedia, job.Kind)

	decoded, err := DecodePayload(job)
	require.NoError(t, err)
	media, ok := decoded.(MediaMessage)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", media.MimeType)
}

func TestDecodeUnknownKind(t *testing.T) {
	job := queue.Job{Kind: "inbound_location", Payload: []byte(`{}`)}
	_, err := DecodePayload(job)
	assert.ErrorContains(t, err, "unknown job kind")
}
