package council

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func riskyContext() DecisionContext {
	return DecisionContext{
		IncidentType:         "service_outage",
		Severity:             "high",
		SafetyClassification: "RISKY",
		DecisionType:         "REQUEST_APPROVAL",
		Reasoning:            "Service down for 5 minutes, restart required",
	}
}

func safeContext() DecisionContext {
	dc := riskyContext()
	dc.SafetyClassification = "SAFE"
	dc.DecisionType = "EXECUTE_SAFE_ACTION"
	return dc
}

func TestParseVote(t *testing.T) {
	a := NewAggregator()

	tests := []struct {
		critique string
		want     float64
	}{
		{"The decision looks safe and correct", 1},
		{"I approve this classification", 1},
		{"This is risky and should be blocked", 0},
		{"Looks correct but there is a concern about timing", 0}, // blockers win
		{"The weather is nice today", 0},                         // neither keyword
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.ParseVote(tt.critique), "critique %q", tt.critique)
	}
}

func TestSafetyVeto(t *testing.T) {
	a := NewAggregator()

	reason := a.SafetyVeto([]Validation{
		{Confidence: 0.85, Critique: "Everything checks out"},
		{Confidence: 0.9, Critique: "This action is dangerous for the edge fleet"},
	})
	assert.Contains(t, reason, "BLOCKED: Safety veto triggered by validator 2")
	assert.Contains(t, reason, "confidence=0.90")
}

func TestSafetyVetoRequiresThresholdConfidence(t *testing.T) {
	a := NewAggregator()

	reason := a.SafetyVeto([]Validation{
		{Confidence: 0.5, Critique: "This seems unsafe to me"},
	})
	assert.Empty(t, reason, "low-confidence concerns do not veto")
}

func TestSafetyVetoTruncatesLongCritique(t *testing.T) {
	a := NewAggregator()
	long := strings.Repeat("dangerous ", 30)

	reason := a.SafetyVeto([]Validation{{Confidence: 0.95, Critique: long}})
	require.NotEmpty(t, reason)
	assert.Less(t, len(reason), len(long))
}

func TestAggregateVotesWeightedApproval(t *testing.T) {
	a := NewAggregator()

	result := a.AggregateVotes([]Validation{
		{Confidence: 0.9, Critique: "Classification is correct"},
		{Confidence: 0.8, Critique: "I agree with the reasoning"},
	})
	assert.Equal(t, VerdictApproved, result.Verdict)
	assert.InDelta(t, 1.0, result.Confidence, 1e-9)
	assert.Contains(t, result.Critique, "[0.90]")
	assert.Contains(t, result.Critique, " | ")
}

func TestAggregateVotesBlocksBelowThreshold(t *testing.T) {
	a := NewAggregator()

	// One confident approval, one confident block: weighted average
	// lands under the 0.7 threshold.
	result := a.AggregateVotes([]Validation{
		{Confidence: 0.8, Critique: "Looks correct"},
		{Confidence: 0.9, Critique: "Reject: reasoning is invalid"},
	})
	assert.Equal(t, VerdictBlocked, result.Verdict)
	assert.Less(t, result.Confidence, DefaultConfidenceThreshold)
}

func TestAggregateVotesDropsErroredValidators(t *testing.T) {
	a := NewAggregator()

	result := a.AggregateVotes([]Validation{
		{Confidence: 0, Critique: "[Claude] ERROR: Claude connection failed"},
		{Confidence: 0.85, Critique: "Decision is correct"},
	})
	assert.Equal(t, VerdictApproved, result.Verdict)
	assert.InDelta(t, 1.0, result.Confidence, 1e-9)
}

func TestAggregateVotesAllFailed(t *testing.T) {
	a := NewAggregator()

	result := a.AggregateVotes([]Validation{
		{Confidence: 0, Critique: "[Local] ERROR: Model unavailable"},
		{Confidence: 0, Critique: "[Claude] ERROR: Claude connection failed"},
	})
	assert.Equal(t, VerdictBlocked, result.Verdict)
	assert.Zero(t, result.Confidence)
	assert.Contains(t, result.Critique, "All validators failed: ")
	assert.Contains(t, result.Critique, "; ")
}

func TestShouldEscalate(t *testing.T) {
	a := NewAggregator()

	assert.True(t, a.ShouldEscalate(0.5, "SAFE"), "low confidence escalates")
	assert.True(t, a.ShouldEscalate(0.95, "RISKY"), "risky always escalates")
	assert.True(t, a.ShouldEscalate(0.95, "risky"), "classification match is case-insensitive")
	assert.False(t, a.ShouldEscalate(0.95, "SAFE"))
}

type fakeLocal struct {
	v Validation
}

func (f *fakeLocal) Validate(context.Context, DecisionContext) Validation { return f.v }

type fakeExternal struct {
	vs     []Validation
	called bool
}

func (f *fakeExternal) ValidateParallel(context.Context, DecisionContext) []Validation {
	f.called = true
	return f.vs
}

func TestValidateDecisionConfidentSafeSkipsExternal(t *testing.T) {
	a := NewAggregator()
	external := &fakeExternal{}

	result := a.ValidateDecision(context.Background(), safeContext(),
		&fakeLocal{v: Validation{Confidence: 0.9, Critique: "Decision is correct"}},
		external)

	assert.Equal(t, VerdictApproved, result.Verdict)
	assert.False(t, external.called, "confident SAFE validation must not reach external providers")
}

func TestValidateDecisionRiskyAlwaysConsultsExternal(t *testing.T) {
	a := NewAggregator()
	external := &fakeExternal{vs: []Validation{
		{Confidence: 0.95, Critique: "[Claude] Approve, classification is correct"},
	}}

	result := a.ValidateDecision(context.Background(), riskyContext(),
		&fakeLocal{v: Validation{Confidence: 0.95, Critique: "Approve, correct"}},
		external)

	assert.True(t, external.called)
	assert.Equal(t, VerdictApproved, result.Verdict)
}

func TestValidateDecisionRiskyBelowBarEscalates(t *testing.T) {
	a := NewAggregator()

	// Weighted average: (0.75*1 + 0.8*1) / 1.55 = 1.0 vote-wise, but we
	// need confidence between 0.7 and 0.9 for the override. Use one
	// neutral critique so the weighted average lands in that band.
	external := &fakeExternal{vs: []Validation{
		{Confidence: 0.4, Critique: "[Claude] Nothing notable either way"},
	}}

	result := a.ValidateDecision(context.Background(), riskyContext(),
		&fakeLocal{v: Validation{Confidence: 0.95, Critique: "Approve, classification is correct"}},
		external)

	// (0.95*1 + 0.4*0) / 1.35 = 0.704: approved but below the 0.9 bar.
	assert.Equal(t, VerdictEscalateToAdmin, result.Verdict)
	assert.Less(t, result.Confidence, 0.9)
	assert.GreaterOrEqual(t, result.Confidence, DefaultConfidenceThreshold)
}

func TestValidateDecisionSafetyVetoDominates(t *testing.T) {
	a := NewAggregator()
	external := &fakeExternal{vs: []Validation{
		{Confidence: 0.95, Critique: "[OpenAI] This restart is dangerous during peak traffic"},
	}}

	result := a.ValidateDecision(context.Background(), riskyContext(),
		&fakeLocal{v: Validation{Confidence: 0.9, Critique: "Approve, looks correct"}},
		external)

	assert.Equal(t, VerdictBlocked, result.Verdict)
	assert.Zero(t, result.Confidence)
	assert.Contains(t, result.Critique, "Safety veto")
}

func TestValidateDecisionNoValidatorsBlocks(t *testing.T) {
	a := NewAggregator()

	result := a.ValidateDecision(context.Background(), riskyContext(), nil, nil)
	assert.Equal(t, VerdictBlocked, result.Verdict)
	assert.Contains(t, result.Critique, "All validators failed")
}

func TestValidateDecisionLocalPrefix(t *testing.T) {
	a := NewAggregator()

	result := a.ValidateDecision(context.Background(), safeContext(),
		&fakeLocal{v: Validation{Confidence: 0.9, Critique: "Approve, correct"}}, nil)
	assert.Contains(t, result.Critique, "[Local] ")
	assert.Equal(t, VerdictApproved, result.Verdict)
}

func ExampleAggregator_ParseVote() {
	a := NewAggregator()
	fmt.Println(a.ParseVote("The classification looks correct"))
	fmt.Println(a.ParseVote("This is dangerous"))
	// Output:
	// 1
	// 0
}
