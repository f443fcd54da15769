package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GenAIClient generates completions with a hosted Gemini model.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a Gemini-backed client.
func NewGenAIClient(ctx context.Context, apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClient{client: client, model: model}, nil
}

// Complete sends the system prompt and message history to the model.
func (c *GenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	if len(contents) == 0 {
		return Response{}, errors.New("completion request has no messages")
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return Response{}, fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Response{}, errors.New("GenAI returned an empty response")
	}
	return Response{Text: text}, nil
}
