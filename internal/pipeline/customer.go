package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"pawzap/internal/router"
	"pawzap/internal/store"
)

// OrgSource loads tenant profile data for prompts.
type OrgSource interface {
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
}

// Customer is the assistant that talks to pet shop customers. It helps with
// scheduling questions and hands the conversation to a human when asked or
// when it cannot help.
type Customer struct {
	client Completer
	orgs   OrgSource
	model  string
}

// NewCustomer builds the customer pipeline.
func NewCustomer(client Completer, orgs OrgSource, model string) *Customer {
	return &Customer{client: client, orgs: orgs, model: model}
}

var escalateTool = Tool{
	Type: "function",
	Function: ToolFunction{
		Name:        "escalate_to_human",
		Description: "Hands the conversation over to a human team member. Use when the customer asks for a person or the request cannot be resolved by the assistant.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string","description":"Why the handoff is needed"}},"required":["reason"]}`),
	},
}

// Respond answers a customer turn. An escalate_to_human call marks the
// conversation escalated and runs one more completion for the handoff
// message.
func (c *Customer) Respond(ctx context.Context, req router.Request) (router.Response, error) {
	org, err := c.orgs.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		return router.Response{}, fmt.Errorf("failed to load organization: %w", err)
	}

	system := fmt.Sprintf(
		"Você é o atendente virtual da %s, um pet shop. Você conversa com clientes pelo WhatsApp. "+
			"Seja simpático e breve, responda em português. Ajude com agendamentos de banho, tosa e consultas. "+
			"Horário de funcionamento: %s. "+
			"Se o cliente pedir para falar com uma pessoa ou você não conseguir ajudar, use a ferramenta escalate_to_human.",
		org.Name, org.BusinessHours)

	messages := append([]ChatMessage{{Role: "system", Content: system}}, historyMessages(req.History)...)
	messages = append(messages, ChatMessage{Role: "user", Content: req.Text})

	first, err := c.client.Complete(ctx, c.model, messages, []Tool{escalateTool})
	if err != nil {
		return router.Response{}, err
	}

	promptTokens := first.PromptTokens
	completionTokens := first.CompletionTokens

	if len(first.Message.ToolCalls) == 0 {
		return router.Response{
			Text:             first.Message.Content,
			Model:            c.model,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			CostUSD:          costUSD(c.model, promptTokens, completionTokens),
			Intent:           "customer_chat",
		}, nil
	}

	call := first.Message.ToolCalls[0]
	messages = append(messages, first.Message, ChatMessage{
		Role:       "tool",
		ToolCallID: call.ID,
		Content:    `{"status":"team notified"}`,
	})
	second, err := c.client.Complete(ctx, c.model, messages, nil)
	if err != nil {
		return router.Response{}, err
	}
	promptTokens += second.PromptTokens
	completionTokens += second.CompletionTokens

	return router.Response{
		Text:             second.Message.Content,
		Model:            c.model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          costUSD(c.model, promptTokens, completionTokens),
		Intent:           "escalation",
		Escalated:        true,
	}, nil
}
