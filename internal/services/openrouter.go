package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"

	"github.com/MegaGrindStone/mood-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter provides an implementation of the stream.LLM interface for interacting with OpenRouter's
// language models. The streamed chunks already have the fragment shape and are decoded into it directly.
type OpenRouter struct {
	apiKey       string
	model        string
	systemPrompt string
	endpoint     string

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model            string              `json:"model"`
	Messages         []openRouterMessage `json:"messages"`
	Stream           bool                `json:"stream"`
	Temperature      *float32            `json:"temperature,omitempty"`
	TopP             *float32            `json:"top_p,omitempty"`
	Stop             []string            `json:"stop,omitempty"`
	PresencePenalty  *float32            `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32            `json:"frequency_penalty,omitempty"`
	Seed             *int                `json:"seed,omitempty"`
	LogitBias        map[string]int      `json:"logit_bias,omitempty"`
	MaxTokens        *int                `json:"max_tokens,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChunk struct {
	models.Fragment
	Error *openRouterError `json:"error,omitempty"`
}

type openRouterError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key, model name, and system prompt.
func NewOpenRouter(apiKey, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenRouter {
	return OpenRouter{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		endpoint:     openRouterAPIEndpoint,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// WithEndpoint returns a copy of o that sends requests to endpoint instead of the public API.
func (o OpenRouter) WithEndpoint(endpoint string) OpenRouter {
	o.endpoint = endpoint
	return o
}

// Stream streams responses from the OpenRouter API for the request. Chunks without choices or without
// delta content are still yielded; applying them is a no-op. The context can be used to cancel ongoing
// requests.
func (o OpenRouter) Stream(ctx context.Context, req models.Request) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		resp, err := o.doRequest(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Fragment{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Fragment{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				return
			}

			var chunk openRouterChunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				o.logger.Warn("Skipping malformed chunk",
					slog.String("data", ev.Data),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
			if chunk.Error != nil {
				yield(models.Fragment{}, fmt.Errorf("openrouter error %v: %s", chunk.Error.Code, chunk.Error.Message))
				return
			}

			if !yield(chunk.Fragment, nil) {
				return
			}
		}
	}
}

func (o OpenRouter) doRequest(ctx context.Context, req models.Request) (*http.Response, error) {
	msgs := make([]openRouterMessage, 0, len(req.Messages)+1)
	for _, msg := range req.Messages {
		msgs = append(msgs, openRouterMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	if sp := requestSystemPrompt(req, o.systemPrompt); sp != "" {
		msgs = slices.Insert(msgs, 0, openRouterMessage{
			Role:    string(models.RoleSystem),
			Content: sp,
		})
	}

	reqBody := openRouterChatRequest{
		Model:            requestModel(req, o.model),
		Messages:         msgs,
		Stream:           true,
		Temperature:      o.params.Temperature,
		TopP:             o.params.TopP,
		Stop:             o.params.Stop,
		PresencePenalty:  o.params.PresencePenalty,
		FrequencyPenalty: o.params.FrequencyPenalty,
		Seed:             o.params.Seed,
		LogitBias:        o.params.LogitBias,
		MaxTokens:        o.params.MaxTokens,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+requestCredential(req, o.apiKey))
	httpReq.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/mood-chat/")
	httpReq.Header.Set("X-Title", "Mood Chat")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
