package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"pawzap/internal/queue"
	"pawzap/internal/resilience"
	"pawzap/internal/store"
)

// replyIDPrefix keys the assistant reply to its inbound message, which is
// what makes redelivered jobs resume instead of generating twice.
const replyIDPrefix = "reply:"

// fallbackReply is sent when the assistant is unavailable.
const fallbackReply = "Desculpe, estou com uma instabilidade no momento. Pode tentar de novo em alguns minutos?"

// Responder produces an assistant reply for a conversation turn.
type Responder interface {
	Respond(ctx context.Context, req Request) (Response, error)
}

// Request is one conversation turn handed to a pipeline.
type Request struct {
	OrganizationID string
	ConversationID string
	SenderRole     string
	SenderName     string
	Text           string
	History        []store.Message
}

// Response is the pipeline outcome.
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Intent           string
	Escalated        bool
}

// Sender delivers outgoing messages through the session layer.
type Sender interface {
	SendText(ctx context.Context, orgID, toJID, text string) (string, error)
}

// EventPublisher pushes processed-message events to subscribers.
type EventPublisher interface {
	Notify(orgID string, eventType string, payload map[string]any)
}

// Worker processes inbound message jobs end to end.
type Worker struct {
	store      *store.Store
	classifier *Classifier
	owner      Responder
	customer   Responder
	sender     Sender
	events     EventPublisher
	dbBreaker  *resilience.CircuitBreaker
	aiBreaker  *resilience.CircuitBreaker
}

// NewWorker wires a worker from its collaborators.
func NewWorker(st *store.Store, classifier *Classifier, owner, customer Responder, sender Sender, events EventPublisher, dbBreaker, aiBreaker *resilience.CircuitBreaker) *Worker {
	return &Worker{
		store:      st,
		classifier: classifier,
		owner:      owner,
		customer:   customer,
		sender:     sender,
		events:     events,
		dbBreaker:  dbBreaker,
		aiBreaker:  aiBreaker,
	}
}

// Handle implements queue.JobHandler. Returning an error schedules a retry;
// every step is idempotent so a redelivered job never duplicates state.
func (w *Worker) Handle(ctx context.Context, job queue.Job, attempt int) error {
	payload, err := DecodePayload(job)
	if err != nil {
		return err
	}
	meta := payload.Common()
	orgID := job.OrganizationID

	content, mediaURL := messageContent(payload)
	if content == "" && mediaURL == "" {
		// Reactions, receipts and other contentless updates carry nothing
		// the pipelines can answer.
		log.Debug().Str("jobId", job.ID).Str("messageId", meta.ExternalID).Msg("Skipping message without content")
		return nil
	}
	role := w.classifier.Classify(ctx, orgID, meta.FromNumber)

	var conv *store.Conversation
	var inserted bool
	err = w.dbBreaker.Execute(func() error {
		contact, err := w.store.ResolveContact(ctx, orgID, NormalizeNumber(meta.FromNumber), meta.PushName)
		if err != nil {
			return err
		}
		conv, err = w.store.ResolveConversation(ctx, orgID, contact.ID)
		if err != nil {
			return err
		}
		inserted, err = w.store.InsertMessage(ctx, &store.Message{
			ConversationID:    conv.ID,
			ExternalMessageID: meta.ExternalID,
			Direction:         store.DirectionInbound,
			SenderType:        role,
			Content:           content,
			MediaURL:          mediaURL,
			CreatedAt:         meta.Timestamp,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to persist inbound message: %w", err)
	}

	if !inserted {
		// Redelivery. If the reply was already generated, re-send it
		// without calling the pipeline again.
		if existing, err := w.store.GetMessageByExternalID(ctx, replyIDPrefix+meta.ExternalID); err == nil {
			log.Info().
				Str("jobId", job.ID).
				Str("messageId", meta.ExternalID).
				Int("attempt", attempt).
				Msg("Resuming redelivered job with stored reply")
			return w.deliver(ctx, orgID, conv, meta, existing.Content)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	reply, interaction, err := w.respond(ctx, orgID, conv, meta, role, content)
	if interaction != nil {
		if recErr := w.store.RecordAIInteraction(ctx, interaction); recErr != nil {
			log.Error().Err(recErr).Str("conversationId", conv.ID).Msg("Failed to record AI interaction")
		}
	}
	if err != nil {
		return err
	}

	err = w.dbBreaker.Execute(func() error {
		_, err := w.store.InsertMessage(ctx, &store.Message{
			ConversationID:    conv.ID,
			ExternalMessageID: replyIDPrefix + meta.ExternalID,
			Direction:         store.DirectionOutbound,
			SenderType:        store.SenderAssistant,
			Content:           reply.Text,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to persist reply: %w", err)
	}

	if reply.Escalated {
		if err := w.store.EscalateConversation(ctx, conv.ID); err != nil {
			log.Error().Err(err).Str("conversationId", conv.ID).Msg("Failed to mark escalation")
		} else {
			w.events.Notify(orgID, "escalation", map[string]any{
				"conversationId": conv.ID,
				"fromNumber":     NormalizeNumber(meta.FromNumber),
			})
		}
	}

	if err := w.store.MarkConversationRead(ctx, conv.ID); err != nil {
		log.Error().Err(err).Str("conversationId", conv.ID).Msg("Failed to mark conversation read")
	}

	return w.deliver(ctx, orgID, conv, meta, reply.Text)
}

// respond runs the role's pipeline behind the AI circuit breaker. An open
// circuit degrades to a fallback reply instead of failing the job.
func (w *Worker) respond(ctx context.Context, orgID string, conv *store.Conversation, meta MessageMeta, role, content string) (Response, *store.AIInteraction, error) {
	history, err := w.store.RecentMessages(ctx, conv.ID, 20)
	if err != nil {
		return Response{}, nil, err
	}

	responder := w.customer
	if role == RoleOwner {
		responder = w.owner
	}

	var resp Response
	err = w.aiBreaker.Execute(func() error {
		var err error
		resp, err = responder.Respond(ctx, Request{
			OrganizationID: orgID,
			ConversationID: conv.ID,
			SenderRole:     role,
			SenderName:     meta.PushName,
			Text:           content,
			History:        history,
		})
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		log.Warn().Str("organizationId", orgID).Msg("Assistant circuit open, sending fallback reply")
		return Response{Text: fallbackReply}, nil, nil
	}
	if err != nil {
		// The failed run still counts for usage auditing, tagged with the
		// failure so billing and error reports line up.
		failed := &store.AIInteraction{
			OrganizationID: orgID,
			ConversationID: conv.ID,
			Status:         store.InteractionError,
			Error:          err.Error(),
		}
		return Response{}, failed, fmt.Errorf("pipeline failed: %w", err)
	}

	interaction := &store.AIInteraction{
		OrganizationID:   orgID,
		ConversationID:   conv.ID,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CostUSD:          resp.CostUSD,
		Intent:           resp.Intent,
		Status:           store.InteractionSuccess,
	}
	return resp, interaction, nil
}

// deliver sends the reply and publishes the processed-message event.
func (w *Worker) deliver(ctx context.Context, orgID string, conv *store.Conversation, meta MessageMeta, text string) error {
	if _, err := w.sender.SendText(ctx, orgID, meta.FromJID, text); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	w.events.Notify(orgID, "message", map[string]any{
		"conversationId": conv.ID,
		"fromNumber":     NormalizeNumber(meta.FromNumber),
		"inboundId":      meta.ExternalID,
		"reply":          text,
	})
	return nil
}

func messageContent(p Payload) (content, mediaURL string) {
	switch p := p.(type) {
	case TextMessage:
		return p.Text, ""
	case MediaMessage:
		return p.Caption, p.MediaURL
	default:
		return "", ""
	}
}
