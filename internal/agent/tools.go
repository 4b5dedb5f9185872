// ABOUTME: Tools the planner can call, including the rate-limited parts search
// ABOUTME: ToolError wraps failures that survive the tool's own retry policy

package agent

import (
	"context"
	"fmt"

	"github.com/2389/rig-gateway/internal/search"
)

// Tool is something the model can invoke with a text input.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, input string) (string, error)
}

// ToolError reports a tool failure that ended the run.
type ToolError struct {
	Tool  string
	Input string
	Err   error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Searcher is the subset of search.Client the search tool needs.
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// SearchTool exposes the parts search to the model.
type SearchTool struct {
	searcher Searcher
}

// NewSearchTool wraps a searcher as a Tool.
func NewSearchTool(s Searcher) *SearchTool {
	return &SearchTool{searcher: s}
}

func (t *SearchTool) Name() string { return "PC_Parts_Search" }

func (t *SearchTool) Description() string {
	return "Search for PC parts, compatibility information, pricing, and reviews. " +
		"Use this tool to find current information about computer hardware, " +
		"build recommendations, and technical specifications. " +
		"Input should be a specific search query about PC components."
}

// Call runs the search and formats results as an observation.
func (t *SearchTool) Call(ctx context.Context, input string) (string, error) {
	results, err := t.searcher.Search(ctx, input)
	if err != nil {
		return "", err
	}
	return search.Format(results), nil
}
