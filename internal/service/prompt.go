package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

const systemPromptBase = "You are a customer support assistant. Answer concisely and precisely using " +
	"only the knowledge base context provided. Prefer short actionable steps. If the context does not " +
	"contain the answer, say that you are not sure and suggest contacting a human agent. Never invent " +
	"policies, prices or sources."

const noContextNote = "No knowledge base context was found for this question. Do not cite or invent sources."

// TokenCounter measures text in model tokens.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter returns a counter for model, falling back to
// cl100k_base for models tiktoken does not know.
func NewTiktokenCounter(model string) (TokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

type PromptConfig struct {
	MaxContextChars  int
	MaxContextTokens int
	MaxHistoryTurns  int
	MaxTurnChars     int
}

func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		MaxContextChars: 6000,
		MaxHistoryTurns: 10,
		MaxTurnChars:    500,
	}
}

// Prompt is the composed generation input. Included lists the hits that
// fit the context budget, in ranking order.
type Prompt struct {
	System   string
	User     string
	Included []domain.RetrievalHit
}

// PromptComposer renders retrieved knowledge, history and the question
// into a grounded prompt.
type PromptComposer struct {
	cfg    PromptConfig
	tokens TokenCounter
}

// NewPromptComposer creates a composer. tokens may be nil, in which case
// only the character budget applies.
func NewPromptComposer(cfg PromptConfig, tokens TokenCounter) *PromptComposer {
	def := DefaultPromptConfig()
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = def.MaxContextChars
	}
	if cfg.MaxHistoryTurns < 0 {
		cfg.MaxHistoryTurns = 0
	}
	if cfg.MaxTurnChars <= 0 {
		cfg.MaxTurnChars = def.MaxTurnChars
	}
	return &PromptComposer{cfg: cfg, tokens: tokens}
}

func (c *PromptComposer) Compose(query string, hits []domain.RetrievalHit, history []domain.Message) Prompt {
	query = strings.TrimSpace(query)

	blocks, included := c.contextBlocks(hits)

	var b strings.Builder
	b.WriteString("Knowledge base context:\n")
	if len(blocks) == 0 {
		b.WriteString(noContextNote)
	} else {
		b.WriteString(strings.Join(blocks, "\n\n"))
	}
	b.WriteString("\n\n")

	if turns := c.historyLines(history); len(turns) > 0 {
		b.WriteString("Conversation so far:\n")
		b.WriteString(strings.Join(turns, "\n"))
		b.WriteString("\n\n")
	}

	b.WriteString("Question: ")
	b.WriteString(query)

	return Prompt{
		System:   c.systemPrompt(query),
		User:     b.String(),
		Included: included,
	}
}

// contextBlocks renders whole hits in order until the budget is spent;
// every later hit is dropped.
func (c *PromptComposer) contextBlocks(hits []domain.RetrievalHit) ([]string, []domain.RetrievalHit) {
	var blocks []string
	included := []domain.RetrievalHit{}
	usedChars, usedTokens := 0, 0

	for i, h := range hits {
		block := fmt.Sprintf("[%d] Source: %s (relevance: %.2f)\n%s", i+1, h.Source, h.Score, strings.TrimSpace(h.Text))
		if len(blocks) > 0 {
			usedChars += 2
		}

		chars := utf8.RuneCountInString(block)
		if usedChars+chars > c.cfg.MaxContextChars {
			break
		}
		if c.tokens != nil && c.cfg.MaxContextTokens > 0 {
			n := c.tokens.Count(block)
			if usedTokens+n > c.cfg.MaxContextTokens {
				break
			}
			usedTokens += n
		}

		usedChars += chars
		blocks = append(blocks, block)
		included = append(included, h)
	}
	return blocks, included
}

func (c *PromptComposer) historyLines(history []domain.Message) []string {
	if len(history) == 0 || c.cfg.MaxHistoryTurns == 0 {
		return nil
	}
	if len(history) > c.cfg.MaxHistoryTurns {
		history = history[len(history)-c.cfg.MaxHistoryTurns:]
	}

	lines := make([]string, 0, len(history))
	for _, m := range history {
		content := domain.NormalizeText(m.Content)
		if content == "" {
			continue
		}
		lines = append(lines, roleLabel(m.Role)+": "+truncateRunes(content, c.cfg.MaxTurnChars))
	}
	return lines
}

func (c *PromptComposer) systemPrompt(query string) string {
	if name, ok := languageNames[detectLanguage(query)]; ok {
		return systemPromptBase + " Reply in " + name + "."
	}
	return systemPromptBase + " Reply in the language of the question."
}

func roleLabel(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case domain.RoleAgent:
		return "Agent"
	case domain.RoleSystem:
		return "System"
	default:
		return "Customer"
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	const tail = "..."
	if n <= len(tail) {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-len(tail)]) + tail
}
