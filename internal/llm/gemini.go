// ABOUTME: Gemini model backend for the planner using the Google Gen AI SDK
// ABOUTME: Streams completions token by token through GenerateContentStream

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/2389/rig-gateway/internal/agent"
)

// ErrMissingAPIKey is returned when the Gemini backend is built without a key.
var ErrMissingAPIKey = errors.New("gemini: API key is required")

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
}

// Gemini implements agent.Model.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGemini creates a Gemini backend.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash-exp"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &Gemini{client: client, cfg: cfg}, nil
}

// Name returns the configured model name.
func (g *Gemini) Name() string { return g.cfg.Model }

// Stream generates one completion, forwarding text parts as they arrive.
func (g *Gemini) Stream(ctx context.Context, p agent.Prompt, onToken func(string)) (string, error) {
	contents := buildContents(p)
	config := buildConfig(p, g.cfg)

	var full strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.cfg.Model, contents, config) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return full.String(), ctxErr
		}
		if err != nil {
			return full.String(), err
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil || part.Text == "" || part.Thought {
					continue
				}
				full.WriteString(part.Text)
				onToken(part.Text)
			}
		}
	}
	return full.String(), nil
}

// buildContents maps history and the current input onto Gemini roles.
func buildContents(p agent.Prompt) []*genai.Content {
	contents := make([]*genai.Content, 0, len(p.History)+1)
	for _, m := range p.History {
		if m.Text == "" {
			continue
		}
		role := genai.RoleUser
		if m.Role == agent.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Text}},
		})
	}
	contents = append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: p.Input}},
	})
	return contents
}

func buildConfig(p agent.Prompt, cfg GeminiConfig) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature:   genai.Ptr(cfg.Temperature),
		StopSequences: p.Stop,
	}
	if p.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: p.System}},
		}
	}
	if cfg.MaxOutputTokens > 0 {
		config.MaxOutputTokens = cfg.MaxOutputTokens
	}
	return config
}

var _ agent.Model = (*Gemini)(nil)
