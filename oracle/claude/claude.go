// Package claude implements oracle.Completer with the Anthropic Messages API.
package claude

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/oracle"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 1024
)

// Config configures a Client.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// Client sends completions to Claude.
type Client struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

var _ oracle.Completer = (*Client)(nil)

// New creates a Client.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		client:    &client,
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
	}
}

func (c *Client) params(system string, messages []core.Message) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  toMessageParams(messages),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// Complete implements oracle.Completer.
func (c *Client) Complete(ctx context.Context, system string, messages []core.Message) (string, error) {
	resp, err := c.client.Messages.New(ctx, c.params(system, messages))
	if err != nil {
		return "", goerr.Wrap(err, "claude API error", goerr.V("model", c.model))
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// Stream implements oracle.Completer.
func (c *Client) Stream(ctx context.Context, system string, messages []core.Message, emit func(string) error) error {
	stream := c.client.Messages.NewStreaming(ctx, c.params(system, messages))
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if err := emit(delta.Text); err != nil {
					return err
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		return goerr.Wrap(err, "claude stream error", goerr.V("model", c.model))
	}
	return nil
}

// toMessageParams converts history to the API's alternating user/assistant
// form: system messages are dropped, consecutive messages of one role are
// joined, and a leading assistant message is skipped.
func toMessageParams(messages []core.Message) []anthropic.MessageParam {
	type turn struct {
		role core.Role
		text []string
	}
	var turns []turn
	for _, m := range messages {
		if m.Role != core.RoleUser && m.Role != core.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if len(turns) == 0 && m.Role == core.RoleAssistant {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].role == m.Role {
			turns[n-1].text = append(turns[n-1].text, m.Content)
			continue
		}
		turns = append(turns, turn{role: m.Role, text: []string{m.Content}})
	}

	params := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.text, "\n\n"))
		if t.role == core.RoleUser {
			params = append(params, anthropic.NewUserMessage(block))
		} else {
			params = append(params, anthropic.NewAssistantMessage(block))
		}
	}
	return params
}
