// ABOUTME: Markdown renderer for final answers
// ABOUTME: GitHub-flavored so the planner's tables and lists survive

package stream

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// NewMarkdown returns the renderer used for metadata.html on final answers.
func NewMarkdown() goldmark.Markdown {
	return goldmark.New(goldmark.WithExtensions(extension.GFM))
}
