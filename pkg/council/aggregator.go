package council

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/orion-ops/orion/pkg/contracts"
)

// Default voting thresholds.
const (
	DefaultConfidenceThreshold = 0.7
	DefaultSafetyVetoThreshold = 0.8

	// riskyAutoApproveBar is the confidence a RISKY decision needs for
	// auto-approval; below it the result escalates to the admin.
	riskyAutoApproveBar = 0.9
)

var approveKeywords = []string{"approve", "approved", "safe", "correct", "valid", "agree", "confident"}

var blockKeywords = []string{"block", "blocked", "unsafe", "risky", "concern", "reject", "invalid", "dangerous", "error"}

var safetyKeywords = []string{"unsafe", "risky", "concern", "dangerous", "violation", "hazard"}

// Aggregator combines validations using confidence-weighted voting with a
// safety veto. The default is conservative: critiques without a
// recognizable keyword vote to block, and all-error inputs block.
type Aggregator struct {
	ConfidenceThreshold float64
	SafetyVetoThreshold float64
	log                 *slog.Logger
}

// NewAggregator creates an aggregator with the default thresholds.
func NewAggregator() *Aggregator {
	return &Aggregator{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		SafetyVetoThreshold: DefaultSafetyVetoThreshold,
		log:                 slog.Default().With("component", "council"),
	}
}

// ParseVote classifies a critique into a vote: 0 when a blocker keyword
// appears, 1 when an approve keyword appears (blockers win), and 0 when
// neither appears.
func (a *Aggregator) ParseVote(critique string) float64 {
	lower := strings.ToLower(critique)
	for _, kw := range blockKeywords {
		if strings.Contains(lower, kw) {
			return 0
		}
	}
	for _, kw := range approveKeywords {
		if strings.Contains(lower, kw) {
			return 1
		}
	}
	return 0
}

func hasSafetyConcern(critique string) bool {
	lower := strings.ToLower(critique)
	for _, kw := range safetyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// SafetyVeto returns the veto reason when any validator flags a safety
// concern at or above the veto threshold, or "" when no veto applies.
// The veto is unconditional and dominates aggregation.
func (a *Aggregator) SafetyVeto(validations []Validation) string {
	for i, v := range validations {
		if v.Confidence >= a.SafetyVetoThreshold && hasSafetyConcern(v.Critique) {
			reason := fmt.Sprintf("BLOCKED: Safety veto triggered by validator %d (confidence=%.2f): %s",
				i+1, v.Confidence, truncate(v.Critique, 100))
			a.log.Warn("safety veto", "validator", i+1, "confidence", v.Confidence)
			return reason
		}
	}
	return ""
}

// AggregateVotes computes the confidence-weighted vote over the
// validations. Zero-confidence entries (errored validators) are dropped;
// if none remain the result is BLOCKED at zero confidence.
func (a *Aggregator) AggregateVotes(validations []Validation) Result {
	if len(validations) == 0 {
		return Result{Verdict: VerdictBlocked, Confidence: 0, Critique: "No validations provided"}
	}

	valid := validations[:0:0]
	for _, v := range validations {
		if v.Confidence > 0 {
			valid = append(valid, v)
		}
	}

	if len(valid) == 0 {
		critiques := make([]string, len(validations))
		for i, v := range validations {
			critiques[i] = v.Critique
		}
		combined := strings.Join(critiques, "; ")
		return Result{Verdict: VerdictBlocked, Confidence: 0, Critique: "All validators failed: " + combined}
	}

	var totalWeight, weightedSum float64
	parts := make([]string, len(valid))
	for i, v := range valid {
		totalWeight += v.Confidence
		weightedSum += v.Confidence * a.ParseVote(v.Critique)
		parts[i] = fmt.Sprintf("[%.2f] %s", v.Confidence, truncate(v.Critique, 100))
	}

	avg := weightedSum / totalWeight
	verdict := VerdictBlocked
	if avg >= a.ConfidenceThreshold {
		verdict = VerdictApproved
	}
	a.log.Info("vote aggregation", "verdict", verdict, "weighted_avg", avg)

	return Result{Verdict: verdict, Confidence: avg, Critique: strings.Join(parts, " | ")}
}

// ShouldEscalate reports whether external validation is warranted: the
// local confidence is below the threshold, or the decision is RISKY.
func (a *Aggregator) ShouldEscalate(localConfidence float64, classification string) bool {
	if localConfidence < a.ConfidenceThreshold {
		return true
	}
	return strings.EqualFold(classification, contracts.ClassificationRisky)
}

// ValidateDecision runs the staged validation flow:
//
//  1. Local validator.
//  2. External validators when escalation is warranted.
//  3. Safety veto over the union.
//  4. Confidence-weighted aggregation.
//  5. RISKY approvals below the auto-approve bar escalate to the admin.
func (a *Aggregator) ValidateDecision(ctx context.Context, dc DecisionContext, local LocalValidator, external ExternalValidator) Result {
	var all []Validation

	localV := Validation{Confidence: 0, Critique: "[Local] ERROR: no local validator configured"}
	if local != nil {
		v := local.Validate(ctx, dc)
		localV = Validation{Confidence: v.Confidence, Critique: "[Local] " + v.Critique}
	}
	all = append(all, localV)
	a.log.Info("local validation", "confidence", localV.Confidence)

	if a.ShouldEscalate(localV.Confidence, dc.SafetyClassification) {
		if external != nil {
			for _, v := range external.ValidateParallel(ctx, dc) {
				all = append(all, v)
				a.log.Info("external validation", "confidence", v.Confidence)
			}
		} else {
			all = append(all, Validation{Confidence: 0, Critique: "[External] ERROR: no external validator configured"})
		}
	}

	if reason := a.SafetyVeto(all); reason != "" {
		return Result{Verdict: VerdictBlocked, Confidence: 0, Critique: reason}
	}

	result := a.AggregateVotes(all)

	if result.Verdict == VerdictApproved &&
		strings.EqualFold(dc.SafetyClassification, contracts.ClassificationRisky) &&
		result.Confidence < riskyAutoApproveBar {
		a.log.Warn("risky approval below auto-approve bar, escalating",
			"confidence", result.Confidence)
		result.Verdict = VerdictEscalateToAdmin
	}

	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
