// Package claude implements the reasoning provider on the Anthropic API.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	responseTokens = 1024

	// Low temperature: plan generation should be boring and repeatable.
	temperature = 0.1
)

// Client calls the Anthropic Messages API. It satisfies plan.Provider.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a new Claude client with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Query sends a single-turn request and returns the concatenated text blocks
// of the response. Transport and API failures surface as errors; the caller
// decides whether to fall back.
func (c *Client) Query(ctx context.Context, system, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   responseTokens,
		Temperature: anthropic.Float(temperature),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude messages: %w", err)
	}

	text := collectText(msg.Content)
	if text == "" {
		return "", fmt.Errorf("claude response contained no text blocks (stop_reason %q)", msg.StopReason)
	}
	return text, nil
}

// collectText joins the text content blocks of a response.
func collectText(blocks []anthropic.ContentBlockUnion) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type != "text" {
			continue
		}
		b.WriteString(block.Text)
	}
	return b.String()
}
