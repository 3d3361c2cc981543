package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pawzap/internal/router"
	"pawzap/internal/store"
)

type fakeCompleter struct {
	results []*ChatResult
	calls   []struct {
		messages []ChatMessage
		tools    []Tool
	}
}

func (f *fakeCompleter) Complete(ctx context.Context, model string, messages []ChatMessage, tools []Tool) (*ChatResult, error) {
	f.calls = append(f.calls, struct {
		messages []ChatMessage
		tools    []Tool
	}{messages, tools})
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result, nil
}

type fakeStats struct{}

func (fakeStats) GetOrganization(ctx context.Context, id string) (*store.Organization, error) {
	return &store.Organization{ID: id, Name: "Patas Felizes", BusinessHours: "Seg-Sex 9h-18h"}, nil
}

func (fakeStats) CountMessagesSince(ctx context.Context, orgID string, since time.Time) (int, error) {
	return 42, nil
}

func (fakeStats) SummarizeUsage(ctx context.Context, orgID string, since time.Time) (*store.UsageSummary, error) {
	return &store.UsageSummary{Interactions: 7, PromptTokens: 700, CompletionTokens: 300, CostUSD: 0.01}, nil
}

func textResult(text string, prompt, completion int) *ChatResult {
	return &ChatResult{
		Message:          ChatMessage{Role: "assistant", Content: text},
		PromptTokens:     prompt,
		CompletionTokens: completion,
	}
}

func toolCallResult(name, args string) *ChatResult {
	call := ToolCall{ID: "call-1", Type: "function"}
	call.Function.Name = name
	call.Function.Arguments = args
	return &ChatResult{
		Message:          ChatMessage{Role: "assistant", ToolCalls: []ToolCall{call}},
		PromptTokens:     100,
		CompletionTokens: 20,
	}
}

func TestOperatorPlainAnswer(t *testing.T) {
	client := &fakeCompleter{results: []*ChatResult{textResult("bom dia! tudo certo por aqui.", 80, 30)}}
	op := NewOperator(client, fakeStats{}, "gpt-4o")

	resp, err := op.Respond(context.Background(), router.Request{
		OrganizationID: "org-1",
		SenderRole:     router.RoleOwner,
		Text:           "bom dia",
	})
	require.NoError(t, err)
	assert.Equal(t, "bom dia! tudo certo por aqui.", resp.Text)
	assert.Equal(t, "operator_chat", resp.Intent)
	assert.Equal(t, 80, resp.PromptTokens)
	assert.False(t, resp.Escalated)
	assert.Len(t, client.calls, 1)
	require.Len(t, client.calls[0].tools, 1)
	assert.Equal(t, "get_business_stats", client.calls[0].tools[0].Function.Name)
}

func TestOperatorStatsRoundTrip(t *testing.T) {
	client := &fakeCompleter{results: []*ChatResult{
		toolCallResult("get_business_stats", "{}"),
		textResult("hoje foram 42 mensagens e 7 atendimentos automáticos.", 200, 60),
	}}
	op := NewOperator(client, fakeStats{}, "gpt-4o")

	resp, err := op.Respond(context.Background(), router.Request{
		OrganizationID: "org-1",
		Text:           "como foi o movimento hoje?",
	})
	require.NoError(t, err)
	assert.Equal(t, "hoje foram 42 mensagens e 7 atendimentos automáticos.", resp.Text)
	assert.Equal(t, "get_business_stats", resp.Intent)
	// Usage is the sum of both calls.
	assert.Equal(t, 300, resp.PromptTokens)
	assert.Equal(t, 80, resp.CompletionTokens)

	// The second call carries the tool result and no tools.
	require.Len(t, client.calls, 2)
	assert.Nil(t, client.calls[1].tools)
	last := client.calls[1].messages[len(client.calls[1].messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, `"messagesToday":42`)
}

func TestOperatorHistoryMapping(t *testing.T) {
	client := &fakeCompleter{results: []*ChatResult{textResult("ok", 10, 5)}}
	op := NewOperator(client, fakeStats{}, "gpt-4o")

	_, err := op.Respond(context.Background(), router.Request{
		OrganizationID: "org-1",
		Text:           "e agora?",
		History: []store.Message{
			{SenderType: store.SenderOwner, Content: "oi"},
			{SenderType: store.SenderAssistant, Content: "olá!"},
			{SenderType: store.SenderCustomer, Content: ""},
		},
	})
	require.NoError(t, err)

	msgs := client.calls[0].messages
	require.Len(t, msgs, 4, "system + two history turns + current turn; empty content dropped")
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "e agora?", msgs[3].Content)
}

func TestCustomerPlainAnswer(t *testing.T) {
	client := &fakeCompleter{results: []*ChatResult{textResult("temos horário amanhã às 10h!", 90, 25)}}
	cu := NewCustomer(client, fakeStats{}, "gpt-4o-mini")

	resp, err := cu.Respond(context.Background(), router.Request{
		OrganizationID: "org-1",
		Text:           "tem horário para banho amanhã?",
	})
	require.NoError(t, err)
	assert.Equal(t, "temos horário amanhã às 10h!", resp.Text)
	assert.Equal(t, "customer_chat", resp.Intent)
	assert.False(t, resp.Escalated)
	require.Len(t, client.calls[0].tools, 1)
	assert.Equal(t, "escalate_to_human", client.calls[0].tools[0].Function.Name)
}

func TestCustomerEscalation(t *testing.T) {
	client := &fakeCompleter{results: []*ChatResult{
		toolCallResult("escalate_to_human", `{"reason":"cliente pediu atendente"}`),
		textResult("claro! já chamei alguém da equipe, um momento.", 150, 30),
	}}
	cu := NewCustomer(client, fakeStats{}, "gpt-4o-mini")

	resp, err := cu.Respond(context.Background(), router.Request{
		OrganizationID: "org-1",
		Text:           "quero falar com uma pessoa",
	})
	require.NoError(t, err)
	assert.True(t, resp.Escalated)
	assert.Equal(t, "escalation", resp.Intent)
	assert.Equal(t, "claro! já chamei alguém da equipe, um momento.", resp.Text)
	assert.Equal(t, 250, resp.PromptTokens)
}

func TestBuildDailySummary(t *testing.T) {
	client := &fakeCompleter{results: []*ChatResult{textResult("Resumão do dia: 42 mensagens!", 50, 40)}}
	op := NewOperator(client, fakeStats{}, "gpt-4o")

	summary, err := op.BuildDailySummary(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "Resumão do dia: 42 mensagens!", summary)

	user := client.calls[0].messages[1]
	assert.Contains(t, user.Content, `"messagesToday":42`)
}

func TestCostUSD(t *testing.T) {
	assert.InDelta(t, 0.005+0.015, costUSD("gpt-4o", 1000, 1000), 1e-9)
	assert.InDelta(t, 0.00015+0.0006, costUSD("gpt-4o-mini", 1000, 1000), 1e-9)
	assert.Zero(t, costUSD("unknown-model", 1000, 1000))
}
