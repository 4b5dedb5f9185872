// ABOUTME: Offline model that plays back a fixed search-then-answer script
// ABOUTME: Lets the gateway run end to end without an API key

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389/rig-gateway/internal/agent"
)

// Scripted implements agent.Model with deterministic output. The first
// iteration of a run searches for the question; once an observation is in the
// prompt it answers with a summary that quotes it.
type Scripted struct {
	// TokenDelay paces streamed tokens. Zero streams as fast as possible.
	TokenDelay time.Duration
}

// NewScripted returns a scripted model.
func NewScripted(tokenDelay time.Duration) *Scripted {
	return &Scripted{TokenDelay: tokenDelay}
}

func (s *Scripted) Name() string { return "scripted" }

// Stream emits the scripted reply word by word.
func (s *Scripted) Stream(ctx context.Context, p agent.Prompt, onToken func(string)) (string, error) {
	reply := s.reply(p)

	var full strings.Builder
	for _, tok := range strings.SplitAfter(reply, " ") {
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}
		if s.TokenDelay > 0 {
			select {
			case <-time.After(s.TokenDelay):
			case <-ctx.Done():
				return full.String(), ctx.Err()
			}
		}
		full.WriteString(tok)
		onToken(tok)
	}
	return full.String(), nil
}

func (s *Scripted) reply(p agent.Prompt) string {
	question := extractQuestion(p.Input)
	obs := lastObservation(p.Input)
	if obs == "" {
		return fmt.Sprintf(" I should search for current parts and prices.\nAction: PC_Parts_Search\nAction Input: %s", question)
	}
	first := strings.SplitN(obs, "\n", 2)[0]
	return fmt.Sprintf(" I now know the final answer\nFinal Answer: Based on a search for %q, here is what I found.\n\n- %s\n\nCheck current prices before buying.", question, first)
}

func extractQuestion(input string) string {
	const marker = "\nQuestion: "
	i := strings.LastIndex(input, marker)
	if i < 0 {
		return input
	}
	rest := input[i+len(marker):]
	if j := strings.Index(rest, "\n"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

// lastObservation looks only past the question so the format instructions
// above it are not mistaken for a tool result.
func lastObservation(input string) string {
	if q := strings.LastIndex(input, "\nQuestion: "); q >= 0 {
		input = input[q:]
	}
	const marker = "\nObservation: "
	i := strings.LastIndex(input, marker)
	if i < 0 {
		return ""
	}
	rest := input[i+len(marker):]
	if j := strings.Index(rest, "\nThought:"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

var _ agent.Model = (*Scripted)(nil)
