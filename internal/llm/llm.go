// Package llm sends exam and submission photographs to a vision model and
// turns its answer into graded exercises.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/photograder/internal/llm/prompts"
	"github.com/pavelanni/photograder/internal/model"
)

// ProviderOpenAI names OpenAI-compatible endpoints in metrics and reports.
const ProviderOpenAI = "openai"

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
	lang    string
}

// New creates a new grading client for an OpenAI-compatible endpoint. An
// empty baseURL uses the OpenAI default.
func New(baseURL, apiKey, modelName, variant, lang string) (*Client, error) {
	if modelName == "" {
		return nil, errors.New("model name is required")
	}
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	if err := prompts.Load(prompts.Templates); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.PromptVariant(variant),
		lang:    lang,
	}, nil
}

// Ping checks that the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Grade sends both image groups in one request and parses the exercises the
// model returns. The returned exercises carry no totals.
func (c *Client) Grade(ctx context.Context, reference, submission []model.Image) (_ []model.Exercise, err error) {
	ctx, obs := observe(ctx, ProviderOpenAI, c.model, len(reference), len(submission))
	defer func() { obs.end(err) }()

	systemPrompt, err := prompts.BuildGradePrompt(c.variant, c.lang)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}
	refURLs, err := dataURLs(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("encode reference images: %w", err)
	}
	subURLs, err := dataURLs(ctx, submission)
	if err != nil {
		return nil, fmt.Errorf("encode submission images: %w", err)
	}

	var parts []openai.ChatMessagePart
	parts = appendImageGroup(parts, prompts.ReferenceBegin, prompts.ReferenceEnd, refURLs)
	parts = appendImageGroup(parts, prompts.SubmissionBegin, prompts.SubmissionEnd, subURLs)

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM grading API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices for grading")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "provider", ProviderOpenAI, "raw", raw)

	exercises, err := ParseExercises(raw)
	if err != nil {
		return nil, fmt.Errorf("parse grading response: %w", err)
	}
	return exercises, nil
}

func appendImageGroup(parts []openai.ChatMessagePart, begin, end string, urls []string) []openai.ChatMessagePart {
	parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: begin})
	for _, u := range urls {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    u,
				Detail: openai.ImageURLDetailHigh,
			},
		})
	}
	return append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: end})
}
