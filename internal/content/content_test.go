package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"Allowed tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Javascript link", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Sanitize(tt.input))
		})
	}
}

func TestRenderMarkdown(t *testing.T) {
	out, err := RenderMarkdown("hello **world**")
	require.NoError(t, err)
	assert.Contains(t, out, "<strong>world</strong>")

	out, err = RenderMarkdown("~~done~~")
	require.NoError(t, err)
	assert.Contains(t, out, "<del>done</del>")
}

func TestRenderMarkdown_StripsUnsafeHTML(t *testing.T) {
	out, err := RenderMarkdown("<script>alert(1)</script>hi")
	require.NoError(t, err)
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "hi")
}

func TestRenderMarkdown_UnsafeLink(t *testing.T) {
	out, err := RenderMarkdown("[click](javascript:alert(1))")
	require.NoError(t, err)
	assert.NotContains(t, out, "javascript:")
	assert.Contains(t, out, "click")
}
