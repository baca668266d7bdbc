package service

import (
	"strings"

	"github.com/samber/lo"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

// DefaultConfidenceFloor is the best-hit score below which answers escalate.
const DefaultConfidenceFloor = 0.75

// DefaultEscalationKeywords are matched case-insensitively as substrings.
// Terms that occur inside everyday words ("court" in "courtesy", "суд" in
// "посуда") are only listed as phrases.
var DefaultEscalationKeywords = []string{
	"refund", "chargeback", "money back",
	"lawsuit", "lawyer", "attorney", "legal", "in court", "to court",
	"complaint", "fraud", "scam",
	"escalate", "supervisor", "to a manager", "your manager",
	"police", "cancel account", "cancel my account", "delete my account",
	"возврат", "деньги назад", "вернуть деньги",
	"жалоба", "в суд", "судебн", "юрист", "адвокат", "прокуратура",
	"мошенничество", "обман",
	"эскалация", "руководител", "позовите менеджера", "начальник",
	"полиция", "заявление",
}

// DefaultUncertaintyPhrases mark an answer the model itself is unsure of.
var DefaultUncertaintyPhrases = []string{
	"i don't know",
	"i do not know",
	"i'm not sure",
	"i am not sure",
	"i cannot",
	"contact support",
	"speak to a human",
	"не знаю",
	"не уверен",
	"не могу",
	"обратитесь к оператору",
	"свяжитесь с поддержкой",
}

// Decision is the escalation verdict. Reason is empty when Escalate is false.
type Decision struct {
	Escalate bool
	Reason   string
}

type EscalationConfig struct {
	ConfidenceFloor    float64
	Keywords           []string
	UncertaintyPhrases []string
}

func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		ConfidenceFloor:    DefaultConfidenceFloor,
		Keywords:           DefaultEscalationKeywords,
		UncertaintyPhrases: DefaultUncertaintyPhrases,
	}
}

// EscalationPolicy decides whether an answer should go to a human.
type EscalationPolicy struct {
	floor       float64
	keywords    []string
	uncertainty []string
}

func NewEscalationPolicy(cfg EscalationConfig) *EscalationPolicy {
	if cfg.Keywords == nil {
		cfg.Keywords = DefaultEscalationKeywords
	}
	if cfg.UncertaintyPhrases == nil {
		cfg.UncertaintyPhrases = DefaultUncertaintyPhrases
	}
	return &EscalationPolicy{
		floor:       domain.Clamp01(cfg.ConfidenceFloor),
		keywords:    lowerTerms(cfg.Keywords),
		uncertainty: lowerTerms(cfg.UncertaintyPhrases),
	}
}

func lowerTerms(terms []string) []string {
	return lo.Uniq(lo.FilterMap(terms, func(t string, _ int) (string, bool) {
		t = strings.ToLower(strings.TrimSpace(t))
		return t, t != ""
	}))
}

// Decide applies, in order: generation failure (answer is nil), a trigger
// term in the query then the answer, then low confidence.
func (p *EscalationPolicy) Decide(query string, answer *string, hits []domain.RetrievalHit) Decision {
	if answer == nil {
		return Decision{Escalate: true, Reason: domain.ReasonGenerationFailed}
	}

	q := strings.ToLower(query)
	a := strings.ToLower(*answer)

	for _, text := range []string{q, a} {
		if term, ok := lo.Find(p.keywords, func(k string) bool { return strings.Contains(text, k) }); ok {
			return Decision{Escalate: true, Reason: domain.TriggerKeywordReason(term)}
		}
	}

	if BestScore(hits) < p.floor {
		return Decision{Escalate: true, Reason: domain.ReasonLowConfidence}
	}
	if lo.ContainsBy(p.uncertainty, func(phrase string) bool { return strings.Contains(a, phrase) }) {
		return Decision{Escalate: true, Reason: domain.ReasonLowConfidence}
	}

	return Decision{}
}

// BestScore is the highest hit score, 0 for no hits.
func BestScore(hits []domain.RetrievalHit) float64 {
	best := 0.0
	for _, h := range hits {
		if h.Score > best {
			best = h.Score
		}
	}
	return best
}
