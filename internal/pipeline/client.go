// Package pipeline turns conversation turns into assistant replies through
// an OpenAI-compatible chat completions API. Operators get business tooling,
// customers get scheduling help with a human-handoff escape hatch.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// ChatMessage is one turn in the model conversation.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []Tool        `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ChatResult is one completed model call.
type ChatResult struct {
	Message          ChatMessage
	PromptTokens     int
	CompletionTokens int
}

// ChatClient talks to an OpenAI-compatible endpoint.
type ChatClient struct {
	http *resty.Client
}

// NewChatClient builds a client for the given base URL and API key.
func NewChatClient(baseURL, apiKey string) *ChatClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(60 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &ChatClient{http: client}
}

// Complete runs one chat completion call.
func (c *ChatClient) Complete(ctx context.Context, model string, messages []ChatMessage, tools []Tool) (*ChatResult, error) {
	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(chatRequest{Model: model, Messages: messages, Tools: tools, Temperature: 0.4}).
		SetResult(&out).
		SetError(&out).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("chat completion request failed: %w", err)
	}
	if resp.IsError() {
		msg := resp.Status()
		if out.Error != nil {
			msg = out.Error.Message
		}
		return nil, fmt.Errorf("chat completion returned %d: %s", resp.StatusCode(), msg)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	log.Debug().
		Str("model", model).
		Int("promptTokens", out.Usage.PromptTokens).
		Int("completionTokens", out.Usage.CompletionTokens).
		Msg("Chat completion finished")
	return &ChatResult{
		Message:          out.Choices[0].Message,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

// modelPrices is USD per thousand tokens (prompt, completion).
var modelPrices = map[string][2]float64{
	"gpt-4o":      {0.005, 0.015},
	"gpt-4o-mini": {0.00015, 0.0006},
}

// costUSD estimates the spend of one call. Unknown models cost zero rather
// than guessing a price.
func costUSD(model string, promptTokens, completionTokens int) float64 {
	prices, ok := modelPrices[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*prices[0] + float64(completionTokens)/1000*prices[1]
}
