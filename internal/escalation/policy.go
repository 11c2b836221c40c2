// Package escalation decides when a conversation leaves automated handling
// and drives the worker pool that processes queued messages.
package escalation

import (
	"github.com/irisorigin/iris/internal/ai"
)

// Escalation reason constants, ordered by rule precedence.
const (
	ReasonLowConfidence     = "low_confidence"
	ReasonSensitiveIntent   = "sensitive_intent"
	ReasonNegativeSentiment = "negative_sentiment"
	ReasonModelRequested    = "model_requested"
	ReasonRetriesExhausted  = "retries_exhausted"
)

// Policy holds the escalation thresholds. Rules fire in a fixed order so the
// recorded reason is deterministic when several apply.
type Policy struct {
	ConfidenceThreshold float64
	SensitiveIntents    map[string]bool
	SentimentThreshold  float64
}

// NewPolicy builds a Policy from configured thresholds and intent names.
func NewPolicy(confidenceThreshold, sentimentThreshold float64, intents []string) Policy {
	sensitive := make(map[string]bool, len(intents))
	for _, intent := range intents {
		sensitive[intent] = true
	}
	return Policy{
		ConfidenceThreshold: confidenceThreshold,
		SensitiveIntents:    sensitive,
		SentimentThreshold:  sentimentThreshold,
	}
}

// Decision is the outcome of evaluating one completion.
type Decision struct {
	Escalate bool
	Reason   string
}

// Evaluate applies the escalation rules to a completion. Rule order is
// fixed: confidence, then intent, then sentiment, then the model's own
// request. The first matching rule names the reason.
func (p Policy) Evaluate(completion ai.Completion) Decision {
	if completion.Confidence < p.ConfidenceThreshold {
		return Decision{Escalate: true, Reason: ReasonLowConfidence}
	}
	if p.SensitiveIntents[completion.Intent] {
		return Decision{Escalate: true, Reason: ReasonSensitiveIntent}
	}
	if completion.SentimentScore < p.SentimentThreshold {
		return Decision{Escalate: true, Reason: ReasonNegativeSentiment}
	}
	if completion.RequestEscalation {
		return Decision{Escalate: true, Reason: ReasonModelRequested}
	}
	return Decision{}
}
