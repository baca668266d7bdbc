package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

// wordCounter counts whitespace-separated words as tokens.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func hit(id, source, text string, score float64) domain.RetrievalHit {
	return domain.RetrievalHit{ChunkID: id, Source: source, Text: text, Similarity: score, Score: score}
}

func TestPromptComposer_Compose(t *testing.T) {
	t.Run("renders context history and question in order", func(t *testing.T) {
		c := NewPromptComposer(DefaultPromptConfig(), nil)
		p := c.Compose("  How do I reset my password? ", []domain.RetrievalHit{
			hit("1", "faq", "Open Settings, then Security.", 0.91),
			hit("2", "kb", "Reset links expire in one hour.", 0.8),
		}, []domain.Message{
			{Role: "customer", Content: "Hi"},
			{Role: "agent", Content: "Hello! How can I help?"},
		})

		assert.True(t, strings.HasPrefix(p.User, "Knowledge base context:\n[1] Source: faq (relevance: 0.91)\nOpen Settings, then Security."))
		assert.Contains(t, p.User, "\n\n[2] Source: kb (relevance: 0.80)\nReset links expire in one hour.")
		assert.Contains(t, p.User, "Conversation so far:\nCustomer: Hi\nAgent: Hello! How can I help?")
		assert.True(t, strings.HasSuffix(p.User, "Question: How do I reset my password?"))
		assert.Less(t, strings.Index(p.User, "Conversation so far"), strings.Index(p.User, "Question:"))
		assert.Len(t, p.Included, 2)
	})

	t.Run("empty context uses the no-context note", func(t *testing.T) {
		c := NewPromptComposer(DefaultPromptConfig(), nil)
		p := c.Compose("Anything?", nil, nil)

		assert.Contains(t, p.User, noContextNote)
		assert.NotContains(t, p.User, "Conversation so far")
		assert.NotNil(t, p.Included)
		assert.Empty(t, p.Included)
	})

	t.Run("character budget includes whole chunks only", func(t *testing.T) {
		c := NewPromptComposer(PromptConfig{MaxContextChars: 80}, nil)
		p := c.Compose("q", []domain.RetrievalHit{
			hit("1", "a", strings.Repeat("x", 30), 0.9),
			hit("2", "b", strings.Repeat("y", 60), 0.8),
			hit("3", "c", "short", 0.7),
		}, nil)

		require.Len(t, p.Included, 1)
		assert.Equal(t, "1", p.Included[0].ChunkID)
		assert.NotContains(t, p.User, "yyy")
		assert.NotContains(t, p.User, "short", "later chunks are dropped once one does not fit")
	})

	t.Run("token budget applies when a counter is set", func(t *testing.T) {
		c := NewPromptComposer(PromptConfig{MaxContextChars: 10000, MaxContextTokens: 12}, wordCounter{})
		p := c.Compose("q", []domain.RetrievalHit{
			hit("1", "a", "one two three", 0.9),
			hit("2", "b", "four five six seven eight nine", 0.8),
		}, nil)

		require.Len(t, p.Included, 1)
		assert.Equal(t, "1", p.Included[0].ChunkID)
	})

	t.Run("history keeps the most recent turns truncated", func(t *testing.T) {
		c := NewPromptComposer(PromptConfig{MaxHistoryTurns: 2, MaxTurnChars: 10}, nil)
		p := c.Compose("q", nil, []domain.Message{
			{Role: "customer", Content: "first turn"},
			{Role: "agent", Content: "second"},
			{Role: "customer", Content: "a very long third message"},
		})

		assert.NotContains(t, p.User, "first turn")
		assert.Contains(t, p.User, "Agent: second")
		assert.Contains(t, p.User, "Customer: a very ...")
	})

	t.Run("system prompt hints the reply language", func(t *testing.T) {
		c := NewPromptComposer(DefaultPromptConfig(), nil)

		ru := c.Compose("Как мне сбросить пароль от личного кабинета?", nil, nil)
		assert.True(t, strings.HasSuffix(ru.System, "Reply in Russian."))

		unknown := c.Compose("?", nil, nil)
		assert.True(t, strings.HasSuffix(unknown.System, "Reply in the language of the question."))
	})
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "hello", truncateRunes("hello", 5))
	assert.Equal(t, "he...", truncateRunes("hello world", 5))
	assert.Equal(t, "пр...", truncateRunes("привет мир", 5))
	assert.Equal(t, "ab", truncateRunes("abcdef", 2))
}
