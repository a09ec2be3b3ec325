package agent

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGenAIModel = "gemini-2.5-flash"

// GenAIModel calls a Gemini model through the Google GenAI SDK and asks for
// a JSON response.
type GenAIModel struct {
	client *genai.Client
	model  string
}

func NewGenAI(ctx context.Context, apiKey, model string) (*GenAIModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return NewGenAIWithClient(client, model), nil
}

func NewGenAIWithClient(client *genai.Client, model string) *GenAIModel {
	if model == "" {
		model = defaultGenAIModel
	}
	return &GenAIModel{client: client, model: model}
}

func (g *GenAIModel) Name() string { return "genai:" + g.model }

func (g *GenAIModel) Complete(ctx context.Context, system, user string) (string, error) {
	temperature := float32(0.7)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       &temperature,
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}, cfg)
	if err != nil {
		return "", fmt.Errorf("genai generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("genai returned no text")
	}
	return text, nil
}
