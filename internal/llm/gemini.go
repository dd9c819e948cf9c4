package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/pavelanni/photograder/internal/llm/prompts"
	"github.com/pavelanni/photograder/internal/model"
)

// ProviderGemini names the Google Gemini API in metrics and reports.
const ProviderGemini = "gemini"

// GeminiClient grades through the Gemini API.
type GeminiClient struct {
	apiKey  string
	model   string
	variant prompts.PromptVariant
	lang    string
}

// NewGemini creates a grading client for the Gemini API.
func NewGemini(apiKey, modelName, variant, lang string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		return nil, errors.New("model name is required")
	}
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	if err := prompts.Load(prompts.Templates); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	return &GeminiClient{
		apiKey:  apiKey,
		model:   strings.TrimSpace(modelName),
		variant: prompts.PromptVariant(variant),
		lang:    lang,
	}, nil
}

// Grade sends both image groups in one request and parses the exercises the
// model returns.
func (c *GeminiClient) Grade(ctx context.Context, reference, submission []model.Image) (_ []model.Exercise, err error) {
	ctx, obs := observe(ctx, ProviderGemini, c.model, len(reference), len(submission))
	defer func() { obs.end(err) }()

	systemPrompt, err := prompts.BuildGradePrompt(c.variant, c.lang)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	defer cl.Close()

	m := cl.GenerativeModel(c.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
		ResponseSchema:   geminiResponseSchema(),
	}
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}

	var parts []genai.Part
	parts = appendBlobGroup(parts, prompts.ReferenceBegin, prompts.ReferenceEnd, reference)
	parts = appendBlobGroup(parts, prompts.SubmissionBegin, prompts.SubmissionEnd, submission)

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini grading API call: %w", err)
	}
	raw := firstText(resp)
	slog.Debug("LLM response", "provider", ProviderGemini, "raw", raw)

	exercises, err := ParseExercises(raw)
	if err != nil {
		return nil, fmt.Errorf("parse grading response: %w", err)
	}
	return exercises, nil
}

func appendBlobGroup(parts []genai.Part, begin, end string, imgs []model.Image) []genai.Part {
	parts = append(parts, genai.Text(begin))
	for _, img := range imgs {
		parts = append(parts, &genai.Blob{MIMEType: mimeOf(img), Data: img.Data})
	}
	return append(parts, genai.Text(end))
}

// geminiResponseSchema mirrors grading.schema.json in the subset Gemini's
// structured output accepts.
func geminiResponseSchema() *genai.Schema {
	problem := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"id":            {Type: genai.TypeInteger},
			"text":          {Type: genai.TypeString},
			"solution":      {Type: genai.TypeString},
			"student_score": {Type: genai.TypeInteger, Description: "1 if correct, otherwise 0"},
			"feedback":      {Type: genai.TypeString},
		},
		Required: []string{"id", "text", "solution", "student_score", "feedback"},
	}
	exercise := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"id":       {Type: genai.TypeInteger},
			"title":    {Type: genai.TypeString},
			"problems": {Type: genai.TypeArray, Items: problem},
		},
		Required: []string{"id", "title", "problems"},
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"exercises": {Type: genai.TypeArray, Items: exercise},
		},
		Required: []string{"exercises"},
	}
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
