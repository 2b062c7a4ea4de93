package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"

	"github.com/MegaGrindStone/mood-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the stream.LLM interface for interacting with OpenAI's language models.
type OpenAI struct {
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, base URL, model name, and system prompt.
// An empty baseURL uses the public OpenAI API.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	return OpenAI{
		apiKey:       apiKey,
		baseURL:      baseURL,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       newOpenAIClient(apiKey, baseURL),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func newOpenAIClient(apiKey, baseURL string) *goopenai.Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return goopenai.NewClientWithConfig(cfg)
}

func openAIMessages(systemPrompt string, messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	for _, msg := range messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	if systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	return msgs
}

// Stream is a wrapper around the OpenAI chat completion streaming API. Each received chunk is yielded as
// one fragment; choices with an empty delta carry no content.
func (o OpenAI) Stream(ctx context.Context, req models.Request) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		msgs := openAIMessages(requestSystemPrompt(req, o.systemPrompt), req.Messages)
		chatReq := o.chatRequest(requestModel(req, o.model), msgs)

		reqJSON, err := json.Marshal(chatReq)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		client := o.client
		if req.Options.Credential != "" && req.Options.Credential != o.apiKey {
			client = newOpenAIClient(req.Options.Credential, o.baseURL)
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Fragment{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Fragment{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if !yield(openAIFragment(response), nil) {
				return
			}
		}
	}
}

func openAIFragment(response goopenai.ChatCompletionStreamResponse) models.Fragment {
	fragment := models.Fragment{
		Choices: make([]models.FragmentChoice, len(response.Choices)),
	}
	for i, choice := range response.Choices {
		if choice.Delta.Content == "" {
			continue
		}
		content := choice.Delta.Content
		fragment.Choices[i].Delta.Content = &content
	}
	return fragment
}

func (o OpenAI) chatRequest(model string, messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.LogitBias != nil {
		req.LogitBias = o.params.LogitBias
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}
