// Package content prepares message bodies for display. Messages travel
// as markdown; rendering and sanitization both happen on the receiving
// side, so a malicious sender cannot smuggle markup past the policy.
package content

import (
	"bytes"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy = bluemonday.UGCPolicy()

	markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
)

// Sanitize strips unsafe HTML from user-entered text. Applied to
// outgoing message bodies before they are published.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// RenderMarkdown converts a message body to sanitized HTML.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(policy.Sanitize(buf.String())), nil
}
