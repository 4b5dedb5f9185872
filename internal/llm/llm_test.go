// ABOUTME: Tests for the model backends
// ABOUTME: Covers request mapping for Gemini and the scripted model's two-step script

package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/2389/rig-gateway/internal/agent"
)

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := NewGemini(t.Context(), GeminiConfig{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestBuildContents(t *testing.T) {
	p := agent.Prompt{
		History: []agent.Message{
			{Role: agent.RoleUser, Text: "gaming PC for $1500"},
			{Role: agent.RoleModel, Text: "Ryzen 5 7600 + RX 7800 XT"},
			{Role: agent.RoleModel, Text: ""},
		},
		Input: "Question: and a monitor?",
	}

	contents := buildContents(p)
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	assert.Equal(t, genai.RoleUser, contents[2].Role)
	assert.Equal(t, "Question: and a monitor?", contents[2].Parts[0].Text)
}

func TestBuildConfig(t *testing.T) {
	cfg := buildConfig(agent.Prompt{System: "be helpful", Stop: []string{"\nObservation:"}}, GeminiConfig{Temperature: 0.7})
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.7, *cfg.Temperature, 1e-6)
	assert.Equal(t, []string{"\nObservation:"}, cfg.StopSequences)
	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "be helpful", cfg.SystemInstruction.Parts[0].Text)
	assert.Zero(t, cfg.MaxOutputTokens)
}

func TestScripted_SearchThenAnswer(t *testing.T) {
	m := NewScripted(0)
	input := "Begin!\n\nQuestion: gaming PC for $1500\nThought:"

	var tokens []string
	first, err := m.Stream(t.Context(), agent.Prompt{Input: input}, func(s string) { tokens = append(tokens, s) })
	require.NoError(t, err)
	assert.Equal(t, first, strings.Join(tokens, ""))
	assert.Contains(t, first, "Action: PC_Parts_Search\nAction Input: gaming PC for $1500")

	input += first + "\nObservation: Title: Best $1500 build\nDescription: x\nURL: y\nThought:"
	second, err := m.Stream(t.Context(), agent.Prompt{Input: input}, func(string) {})
	require.NoError(t, err)
	assert.Contains(t, second, "Final Answer:")
	assert.Contains(t, second, "Title: Best $1500 build")
}

func TestScripted_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := NewScripted(0).Stream(ctx, agent.Prompt{Input: "Question: x"}, func(string) {})
	assert.ErrorIs(t, err, context.Canceled)
}
