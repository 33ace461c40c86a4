package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractResult_Found(t *testing.T) {
	text := "some reasoning\n<result>\n{\"tests_passed\": true}\n</result>\ntrailing"
	inner, ok := ExtractResult(text)
	assert.True(t, ok)
	assert.Equal(t, `{"tests_passed": true}`, inner)
}

func TestExtractResult_NotFound(t *testing.T) {
	_, ok := ExtractResult("no result tag here")
	assert.False(t, ok)
}

func TestExtractResult_TakesFirstMatchOnly(t *testing.T) {
	text := "<result>first</result> and <result>second</result>"
	inner, ok := ExtractResult(text)
	assert.True(t, ok)
	assert.Equal(t, "first", inner)
}

func TestExtractCodeBlock_Found(t *testing.T) {
	text := "Let's run this:\n```python\nprint('hi')\n```\ndone"
	body, ok := ExtractCodeBlock(text)
	assert.True(t, ok)
	assert.Equal(t, "print('hi')", body)
}

func TestExtractCodeBlock_UnlabeledFence(t *testing.T) {
	text := "```\nprint('hi')\n```"
	body, ok := ExtractCodeBlock(text)
	assert.True(t, ok)
	assert.Equal(t, "print('hi')", body)
}

func TestExtractCodeBlock_NotFound(t *testing.T) {
	_, ok := ExtractCodeBlock("no fenced block here")
	assert.False(t, ok)
}

func TestExtractCodeBlock_IdempotentOnResultOnlyInput(t *testing.T) {
	text := "<result>done</result>"
	_, ok := ExtractCodeBlock(text)
	assert.False(t, ok)
}
