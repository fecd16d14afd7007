// Package llm wraps the remote chat-completion endpoint used by the analyst
// and decision nodes. The wire shape is the OpenAI-compatible chat API.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/helmsmanai/helmsman/internal/config"
	"github.com/helmsmanai/helmsman/internal/domain"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Client calls the configured completion endpoint.
type Client struct {
	http  *resty.Client
	model string
	temp  float64
	maxT  int
	log   zerolog.Logger
}

// New builds a client from configuration. Temperature is clamped to the
// provider's accepted [0, 2] range.
func New(cfg config.LLMConfig, log zerolog.Logger) *Client {
	temp := cfg.Temperature
	if temp < 0 {
		temp = 0
	}
	if temp > 2 {
		temp = 2
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:  http,
		model: cfg.Model,
		temp:  temp,
		maxT:  cfg.MaxTokens,
		log:   log.With().Str("component", "llm").Logger(),
	}
}

// Chat sends a message sequence and returns the assistant's text response.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	var out chatResponse
	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:       c.model,
			Messages:    messages,
			Temperature: c.temp,
			MaxTokens:   c.maxT,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/chat/completions")
	if err != nil {
		return "", domain.Wrap(domain.KindNetwork, err, "llm request failed")
	}

	c.log.Debug().
		Int("status", resp.StatusCode()).
		Dur("elapsed", time.Since(started)).
		Int("messages", len(messages)).
		Msg("llm completion")

	if resp.IsError() {
		if out.Error != nil {
			return "", domain.E(domain.KindRequest, out.Error.Type, "llm error: %s", out.Error.Message)
		}
		return "", domain.E(domain.KindNetwork, fmt.Sprint(resp.StatusCode()), "llm status %d", resp.StatusCode())
	}
	if len(out.Choices) == 0 {
		return "", domain.E(domain.KindRequest, "", "llm returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// Health probes the models listing endpoint.
func (c *Client) Health(ctx context.Context) error {
	var out modelsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/models")
	if err != nil {
		return domain.Wrap(domain.KindNetwork, err, "llm health probe failed")
	}
	if resp.IsError() {
		return domain.E(domain.KindNetwork, fmt.Sprint(resp.StatusCode()), "llm health status %d", resp.StatusCode())
	}
	if len(out.Data) == 0 {
		return domain.E(domain.KindRequest, "", "llm reports no models")
	}
	return nil
}
