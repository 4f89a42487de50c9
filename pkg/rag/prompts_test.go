package rag_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/rag"
)

func TestDefaultPrompts(t *testing.T) {
	p := rag.DefaultPrompts()

	out, err := p.Reformulate(nil, "How many credits?")
	require.NoError(t, err)
	assert.Contains(t, out, "(no previous messages)")
	assert.Contains(t, out, "How many credits?")
	assert.Contains(t, out, `"reformulated_message"`)

	out, err = p.QA("Context 1:\n360 credits")
	require.NoError(t, err)
	assert.Contains(t, out, "Context 1:\n360 credits")
	assert.Contains(t, out, `{"message":`)
}

func TestLoadPromptsWithLegacyPlaceholders(t *testing.T) {
	dir := t.TempDir()
	reformulate := filepath.Join(dir, "reformulate.txt")
	qa := filepath.Join(dir, "qa.txt")
	require.NoError(t, os.WriteFile(reformulate, []byte("History:\n{chat_history}\nLatest: {latest_message}"), 0644))
	require.NoError(t, os.WriteFile(qa, []byte("Use this:\n{context_str}"), 0644))

	p, err := rag.LoadPrompts(reformulate, qa)
	require.NoError(t, err)

	out, err := p.Reformulate([]models.Turn{{User: "a", Assistant: "b"}}, "c")
	require.NoError(t, err)
	assert.Equal(t, "History:\nUser: a\nAssistant: b\nLatest: c", out)

	out, err = p.QA("ctx")
	require.NoError(t, err)
	assert.Equal(t, "Use this:\nctx", out)
}

func TestLoadPromptsMissingFile(t *testing.T) {
	_, err := rag.LoadPrompts(filepath.Join(t.TempDir(), "nope.txt"), "")
	assert.Error(t, err)
}

func TestFormatHistory(t *testing.T) {
	assert.Equal(t, "", rag.FormatHistory(nil))
	assert.Equal(t, "User: q1\nAssistant: a1\nUser: q2\nAssistant: a2",
		rag.FormatHistory([]models.Turn{{User: "q1", Assistant: "a1"}, {User: "q2", Assistant: "a2"}}))
}
