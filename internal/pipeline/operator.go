package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"pawzap/internal/router"
	"pawzap/internal/store"
)

// Completer abstracts the chat API so pipelines can be tested without the
// network.
type Completer interface {
	Complete(ctx context.Context, model string, messages []ChatMessage, tools []Tool) (*ChatResult, error)
}

// StatsSource provides the business numbers the operator assistant reports.
type StatsSource interface {
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	CountMessagesSince(ctx context.Context, orgID string, since time.Time) (int, error)
	SummarizeUsage(ctx context.Context, orgID string, since time.Time) (*store.UsageSummary, error)
}

// Operator is the assistant pet shop staff talk to. It answers questions
// about the business and can pull live numbers through a function call.
type Operator struct {
	client Completer
	stats  StatsSource
	model  string
}

// NewOperator builds the operator pipeline.
func NewOperator(client Completer, stats StatsSource, model string) *Operator {
	return &Operator{client: client, stats: stats, model: model}
}

var statsTool = Tool{
	Type: "function",
	Function: ToolFunction{
		Name:        "get_business_stats",
		Description: "Returns today's message volume and assistant usage numbers for the pet shop.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
	},
}

// Respond answers an operator turn. At most one function-call round trip:
// when the model asks for stats, they are computed, appended and the model
// is called once more for the final answer.
func (o *Operator) Respond(ctx context.Context, req router.Request) (router.Response, error) {
	system, err := o.systemPrompt(ctx, req.OrganizationID)
	if err != nil {
		return router.Response{}, err
	}

	messages := append([]ChatMessage{{Role: "system", Content: system}}, historyMessages(req.History)...)
	messages = append(messages, ChatMessage{Role: "user", Content: req.Text})

	first, err := o.client.Complete(ctx, o.model, messages, []Tool{statsTool})
	if err != nil {
		return router.Response{}, err
	}

	promptTokens := first.PromptTokens
	completionTokens := first.CompletionTokens
	intent := "operator_chat"
	final := first.Message

	if len(first.Message.ToolCalls) > 0 {
		call := first.Message.ToolCalls[0]
		intent = call.Function.Name
		result, err := o.runTool(ctx, req.OrganizationID, call)
		if err != nil {
			return router.Response{}, err
		}
		messages = append(messages, first.Message, ChatMessage{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    result,
		})

		second, err := o.client.Complete(ctx, o.model, messages, nil)
		if err != nil {
			return router.Response{}, err
		}
		promptTokens += second.PromptTokens
		completionTokens += second.CompletionTokens
		final = second.Message
	}

	return router.Response{
		Text:             final.Content,
		Model:            o.model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          costUSD(o.model, promptTokens, completionTokens),
		Intent:           intent,
	}, nil
}

func (o *Operator) runTool(ctx context.Context, orgID string, call ToolCall) (string, error) {
	switch call.Function.Name {
	case statsTool.Function.Name:
		stats, err := o.businessStats(ctx, orgID)
		if err != nil {
			return "", err
		}
		raw, err := json.Marshal(stats)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	default:
		log.Warn().Str("tool", call.Function.Name).Msg("Model requested unknown tool")
		return `{"error":"unknown tool"}`, nil
	}
}

type businessStats struct {
	MessagesToday    int     `json:"messagesToday"`
	AIInteractions   int     `json:"aiInteractions"`
	AICostUSD        float64 `json:"aiCostUsd"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
}

func (o *Operator) businessStats(ctx context.Context, orgID string) (*businessStats, error) {
	since := startOfDay(time.Now().UTC())
	count, err := o.stats.CountMessagesSince(ctx, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	usage, err := o.stats.SummarizeUsage(ctx, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return &businessStats{
		MessagesToday:    count,
		AIInteractions:   usage.Interactions,
		AICostUSD:        usage.CostUSD,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}, nil
}

func (o *Operator) systemPrompt(ctx context.Context, orgID string) (string, error) {
	org, err := o.stats.GetOrganization(ctx, orgID)
	if err != nil {
		return "", fmt.Errorf("failed to load organization: %w", err)
	}
	return fmt.Sprintf(
		"Você é o assistente interno da %s, um pet shop. Você conversa com a equipe da loja. "+
			"Responda de forma direta e objetiva, em português. "+
			"Horário de funcionamento: %s. "+
			"Quando perguntarem sobre números do dia, use a ferramenta get_business_stats.",
		org.Name, org.BusinessHours), nil
}

// BuildDailySummary produces the end-of-day report that is pushed to the
// owners by the maintenance scheduler.
func (o *Operator) BuildDailySummary(ctx context.Context, orgID string) (string, error) {
	stats, err := o.businessStats(ctx, orgID)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return "", err
	}

	result, err := o.client.Complete(ctx, o.model, []ChatMessage{
		{Role: "system", Content: "Você escreve o resumo diário de um pet shop para a dona da loja. Seja breve, amigável e destaque os números importantes. Responda em português."},
		{Role: "user", Content: "Números de hoje: " + string(raw)},
	}, nil)
	if err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

func historyMessages(history []store.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.SenderType == store.SenderAssistant {
			role = "assistant"
		}
		if m.Content == "" {
			continue
		}
		out = append(out, ChatMessage{Role: role, Content: m.Content})
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
