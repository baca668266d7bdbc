package domain

import (
	"encoding/json"
	"strings"
)

// Message roles accepted in conversation history.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleSystem   = "system"
)

// Message is one prior turn of the conversation, oldest first.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Escalation reason codes.
const (
	ReasonLowConfidence    = "low_confidence"
	ReasonGenerationFailed = "generation_failed"
	reasonTriggerPrefix    = "trigger_keyword:"
)

// TriggerKeywordReason formats the reason for a matched trigger term.
func TriggerKeywordReason(term string) string {
	return reasonTriggerPrefix + term
}

// IsTriggerKeywordReason reports whether reason came from a trigger term.
func IsTriggerKeywordReason(reason string) bool {
	return strings.HasPrefix(reason, reasonTriggerPrefix)
}

// AgentResult is the outcome of one answer request. An empty
// EscalationReason means the answer may be delivered directly.
type AgentResult struct {
	Content          string         `json:"content"`
	Escalate         bool           `json:"escalate"`
	EscalationReason string         `json:"escalation_reason"`
	HitsUsed         []RetrievalHit `json:"hits_used"`
	ModelID          string         `json:"model_id"`
}

// MarshalJSON renders an empty escalation reason as null.
func (r AgentResult) MarshalJSON() ([]byte, error) {
	type plain AgentResult
	out := struct {
		plain
		EscalationReason *string `json:"escalation_reason"`
	}{plain: plain(r)}
	if r.EscalationReason != "" {
		out.EscalationReason = &r.EscalationReason
	}
	if out.HitsUsed == nil {
		out.HitsUsed = []RetrievalHit{}
	}
	return json.Marshal(out)
}
