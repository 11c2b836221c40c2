package escalation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/irisorigin/iris/internal/ai"
)

func testPolicy() Policy {
	return NewPolicy(0.3, -0.7, []string{"complaint", "refund", "legal"})
}

func TestEvaluate_RuleOrder(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		completion ai.Completion
		escalate   bool
		reason     string
	}{
		{
			name:       "confident benign reply",
			completion: ai.Completion{Reply: "ok", Intent: "greeting", Confidence: 0.9, SentimentScore: 0.2},
		},
		{
			name:       "low confidence",
			completion: ai.Completion{Reply: "?", Intent: "greeting", Confidence: 0.1},
			escalate:   true,
			reason:     ReasonLowConfidence,
		},
		{
			name:       "sensitive intent",
			completion: ai.Completion{Reply: "ok", Intent: "refund", Confidence: 0.9},
			escalate:   true,
			reason:     ReasonSensitiveIntent,
		},
		{
			name:       "negative sentiment",
			completion: ai.Completion{Reply: "ok", Intent: "greeting", Confidence: 0.9, SentimentScore: -0.8},
			escalate:   true,
			reason:     ReasonNegativeSentiment,
		},
		{
			name:       "model requested",
			completion: ai.Completion{Reply: "ok", Intent: "greeting", Confidence: 0.9, RequestEscalation: true},
			escalate:   true,
			reason:     ReasonModelRequested,
		},
		{
			name: "low confidence wins over all others",
			completion: ai.Completion{
				Intent: "refund", Confidence: 0.1, SentimentScore: -0.9, RequestEscalation: true,
			},
			escalate: true,
			reason:   ReasonLowConfidence,
		},
		{
			name: "intent wins over sentiment",
			completion: ai.Completion{
				Intent: "legal", Confidence: 0.9, SentimentScore: -0.9,
			},
			escalate: true,
			reason:   ReasonSensitiveIntent,
		},
		{
			name:       "threshold is exclusive at the boundary",
			completion: ai.Completion{Reply: "ok", Intent: "greeting", Confidence: 0.3, SentimentScore: -0.7},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			decision := testPolicy().Evaluate(tc.completion)
			assert.Equal(t, tc.escalate, decision.Escalate)
			assert.Equal(t, tc.reason, decision.Reason)
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	t.Parallel()
	policy := testPolicy()
	completion := ai.Completion{Intent: "refund", Confidence: 0.2, SentimentScore: -0.9}
	first := policy.Evaluate(completion)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, policy.Evaluate(completion))
	}
}
