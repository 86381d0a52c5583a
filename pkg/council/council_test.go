package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name           string
		response       string
		wantConfidence float64
		wantCritique   string
	}{
		{
			name:           "canonical format",
			response:       "CONFIDENCE: 0.85\nCRITIQUE: Classification is appropriate.",
			wantConfidence: 0.85,
			wantCritique:   "Classification is appropriate.",
		},
		{
			name:           "percentage",
			response:       "CONFIDENCE: 85%\nCRITIQUE: Looks fine.",
			wantConfidence: 0.85,
			wantCritique:   "Looks fine.",
		},
		{
			name:           "fraction rendering",
			response:       "CONFIDENCE: 0.85/1.0\nCRITIQUE: Looks fine.",
			wantConfidence: 0.85,
			wantCritique:   "Looks fine.",
		},
		{
			name:           "bare integer percent",
			response:       "CONFIDENCE: 85\nCRITIQUE: Looks fine.",
			wantConfidence: 0.85,
			wantCritique:   "Looks fine.",
		},
		{
			name:           "lowercase labels",
			response:       "confidence: 0.6\ncritique: Mild doubts.",
			wantConfidence: 0.6,
			wantCritique:   "Mild doubts.",
		},
		{
			name:           "clamped below zero",
			response:       "CONFIDENCE: -0.5\nCRITIQUE: Broken model.",
			wantConfidence: 0,
			wantCritique:   "Broken model.",
		},
		{
			name:           "unparseable confidence",
			response:       "CONFIDENCE: very high\nCRITIQUE: Overconfident model.",
			wantConfidence: 0,
			wantCritique:   "Overconfident model.",
		},
		{
			name:           "no structure at all",
			response:       "I think this decision is fine.",
			wantConfidence: 0,
			wantCritique:   "I think this decision is fine.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ParseValidation(tt.response)
			assert.InDelta(t, tt.wantConfidence, v.Confidence, 1e-9)
			assert.Equal(t, tt.wantCritique, v.Critique)
		})
	}
}

func TestBuildPromptContainsDecisionContext(t *testing.T) {
	prompt := buildPrompt(DecisionContext{
		IncidentType:         "metric_anomaly",
		Severity:             "medium",
		SafetyClassification: "SAFE",
		DecisionType:         "EXECUTE_SAFE_ACTION",
		Reasoning:            "CPU above threshold for 10 minutes",
	})

	assert.Contains(t, prompt, "metric_anomaly")
	assert.Contains(t, prompt, "EXECUTE_SAFE_ACTION")
	assert.Contains(t, prompt, "CPU above threshold for 10 minutes")
	assert.Contains(t, prompt, "CONFIDENCE:")
	assert.Contains(t, prompt, "CRITIQUE:")
}
