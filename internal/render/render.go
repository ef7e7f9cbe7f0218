// ABOUTME: Markdown-to-HTML rendering for ask responses requested with render_html.
// ABOUTME: Thin wrapper around goldmark so the HTTP layer stays format-agnostic.

package render

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
)

// HTML converts markdown response text to HTML.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return buf.String(), nil
}
