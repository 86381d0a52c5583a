// Package council implements the reasoning jury that validates brain
// decisions: a local SLM validator, optional cloud validators, and a
// consensus aggregator with confidence-weighted voting and safety veto.
//
// The council validates only; it never proposes alternatives. All error
// paths are fail-closed and surface as zero-confidence votes.
package council

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Verdicts returned by the aggregator.
const (
	VerdictApproved        = "APPROVED"
	VerdictBlocked         = "BLOCKED"
	VerdictEscalateToAdmin = "ESCALATE_TO_ADMIN"
)

// Validation is a single validator's vote: a confidence in [0,1] and a
// free-text critique. Zero confidence marks an errored validator.
type Validation struct {
	Confidence float64
	Critique   string
}

// Result is the aggregated outcome of a council review.
type Result struct {
	Verdict    string
	Confidence float64
	Critique   string
}

// DecisionContext is the slice of a decision the council reasons about.
type DecisionContext struct {
	IncidentType         string
	Severity             string
	SafetyClassification string
	DecisionType         string
	Reasoning            string
}

// LocalValidator is the on-host SLM jury member.
type LocalValidator interface {
	Validate(ctx context.Context, dc DecisionContext) Validation
}

// ExternalValidator fans a decision out to the configured cloud providers.
type ExternalValidator interface {
	ValidateParallel(ctx context.Context, dc DecisionContext) []Validation
}

// Council wires the validators to the aggregator as a single reviewer.
type Council struct {
	Aggregator *Aggregator
	Local      LocalValidator
	External   ExternalValidator
}

// ValidateDecision runs the staged validation flow over the configured
// validators. The result is always well-defined; failures inside the
// validators surface as zero-confidence votes and drive the aggregation
// toward BLOCKED.
func (c *Council) ValidateDecision(ctx context.Context, dc DecisionContext) Result {
	return c.Aggregator.ValidateDecision(ctx, dc, c.Local, c.External)
}

// buildPrompt renders the validation prompt shared by all jury members.
func buildPrompt(dc DecisionContext) string {
	return fmt.Sprintf(`You are a safety validator for an autonomous operations system.

TASK: Evaluate if this decision is correctly classified and reasoned.

INCIDENT CONTEXT:
- Type: %s
- Severity: %s

DECISION:
- Classification: %s
- Decision Type: %s
- Reasoning: %s

EVALUATE:
1. Is the SAFE/RISKY classification appropriate for this incident?
2. Does the reasoning logically follow from the incident context?
3. Are there any safety concerns with this decision?

RESPOND IN THIS EXACT FORMAT:
CONFIDENCE: [0.0-1.0 score]
CRITIQUE: [Your brief evaluation in 1-2 sentences]

Be conservative - when uncertain, report lower confidence. Safety is paramount.`,
		dc.IncidentType, dc.Severity, dc.SafetyClassification, dc.DecisionType, dc.Reasoning)
}

// ParseValidation extracts (confidence, critique) from model output of
// the form "CONFIDENCE: <v>\nCRITIQUE: <text>". Confidence accepts
// "0.85", "85%", and "0.85/1.0" renderings and is clamped to [0,1].
// If no CRITIQUE line is present the whole response is the critique.
func ParseValidation(response string) Validation {
	v := Validation{Confidence: 0, Critique: strings.TrimSpace(response)}

	for _, line := range strings.Split(response, "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(upper, "CONFIDENCE:"):
			_, value, _ := strings.Cut(line, ":")
			value = strings.TrimSpace(value)
			value = strings.ReplaceAll(value, "%", "")
			value, _, _ = strings.Cut(value, "/")
			parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				v.Confidence = 0
				continue
			}
			if parsed > 1.0 {
				parsed /= 100.0
			}
			v.Confidence = min(max(parsed, 0), 1)
		case strings.HasPrefix(upper, "CRITIQUE:"):
			_, critique, ok := strings.Cut(line, ":")
			if ok {
				v.Critique = strings.TrimSpace(critique)
			}
		}
	}
	return v
}
