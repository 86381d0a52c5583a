// Package brain turns incidents into decisions, gated by the autonomy
// level, the policy store, cooldowns, and the circuit breaker.
//
// Autonomy invariants:
//   - N0: every decision is NO_ACTION.
//   - N2: SAFE actions may execute; RISKY and UNKNOWN actions never do.
//   - N3: SAFE actions execute; RISKY actions require explicit admin
//     approval via an approval_request. Silence is never permission.
//
// An optional council reviews decisions before emission; council errors
// are fail-closed (treated as BLOCKED).
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orion-ops/orion/pkg/contracts"
	"github.com/orion-ops/orion/pkg/council"
	"github.com/orion-ops/orion/pkg/policy"
)

// DefaultApprovalTimeout bounds how long an approval request stays valid.
const DefaultApprovalTimeout = 5 * time.Minute

// DefaultSource identifies decisions emitted by this component.
const DefaultSource = "orion-brain"

// Publisher is the bus surface the brain needs.
type Publisher interface {
	Publish(ctx context.Context, msg any, kind string) (string, error)
}

// Reviewer validates a decision before emission. Satisfied by
// *council.Council.
type Reviewer interface {
	ValidateDecision(ctx context.Context, dc council.DecisionContext) council.Result
}

// Brain makes decisions about incidents.
type Brain struct {
	bus             Publisher
	autonomyLevel   string
	source          string
	approvalTimeout time.Duration

	policies *policy.Store
	cooldown *CooldownTracker
	breaker  *CircuitBreaker
	reviewer Reviewer

	clock func() time.Time
	log   *slog.Logger
}

// Option configures a Brain.
type Option func(*Brain)

// WithReviewer attaches a council reviewer.
func WithReviewer(r Reviewer) Option {
	return func(b *Brain) { b.reviewer = r }
}

// WithApprovalTimeout overrides the approval request lifetime.
func WithApprovalTimeout(d time.Duration) Option {
	return func(b *Brain) { b.approvalTimeout = d }
}

// WithSource overrides the source identifier.
func WithSource(source string) Option {
	return func(b *Brain) { b.source = source }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(b *Brain) {
		b.clock = clock
		b.cooldown.WithClock(clock)
		b.breaker.WithClock(clock)
	}
}

// New creates a brain at the given autonomy level. N2 and N3 require a
// policy store; N0 ignores it.
func New(bus Publisher, autonomyLevel string, policies *policy.Store, opts ...Option) (*Brain, error) {
	switch autonomyLevel {
	case contracts.AutonomyN0, contracts.AutonomyN2, contracts.AutonomyN3:
	default:
		return nil, fmt.Errorf("unsupported autonomy level: %s", autonomyLevel)
	}

	if autonomyLevel != contracts.AutonomyN0 && policies == nil {
		return nil, fmt.Errorf("%s mode requires a policy store", autonomyLevel)
	}

	b := &Brain{
		bus:             bus,
		autonomyLevel:   autonomyLevel,
		source:          DefaultSource,
		approvalTimeout: DefaultApprovalTimeout,
		policies:        policies,
		cooldown:        NewCooldownTracker(),
		breaker:         NewCircuitBreaker(),
		clock:           time.Now,
		log:             slog.Default().With("component", "brain", "autonomy", autonomyLevel),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Breaker exposes the circuit breaker so the outcome feedback loop can
// record execution results.
func (b *Brain) Breaker() *CircuitBreaker { return b.breaker }

// actionFor chooses the action for an incident. Pure function of the
// incident: meaningful severities get an acknowledgement, the rest none.
func actionFor(incident *contracts.Incident) string {
	switch incident.Severity {
	case contracts.IncidentSeverityMedium, contracts.IncidentSeverityHigh, contracts.IncidentSeverityCritical:
		return "acknowledge_incident"
	default:
		return ""
	}
}

func (b *Brain) newDecision(incident *contracts.Incident, decisionType, reasoning, classification string) *contracts.Decision {
	return &contracts.Decision{
		Version:              contracts.Version,
		DecisionID:           uuid.New().String(),
		Timestamp:            b.clock().UTC(),
		Source:               b.source,
		IncidentID:           incident.IncidentID,
		DecisionType:         decisionType,
		SafetyClassification: classification,
		RequiresApproval:     false,
		Reasoning:            reasoning,
		AutonomyLevel:        b.autonomyLevel,
	}
}

// Decide produces the decision for an incident. Cooldowns are recorded
// here, before any council review: a later block does not refund the rate
// budget, which prevents retry storms.
func (b *Brain) Decide(incident *contracts.Incident) *contracts.Decision {
	switch b.autonomyLevel {
	case contracts.AutonomyN2:
		return b.decideN2(incident)
	case contracts.AutonomyN3:
		return b.decideN3(incident)
	default:
		return b.decideN0(incident)
	}
}

func (b *Brain) decideN0(incident *contracts.Incident) *contracts.Decision {
	reasoning := fmt.Sprintf(
		"N0 mode (observe only): Detected %s (severity=%s, events=%d). No action taken as per autonomy level N0 policy.",
		incident.IncidentType, incident.Severity, len(incident.EventIDs))

	d := b.newDecision(incident, contracts.DecisionNoAction, reasoning, contracts.ClassificationSafe)
	b.log.Info("decision", "decision_id", d.DecisionID, "incident_id", incident.IncidentID, "type", d.DecisionType)
	return d
}

func (b *Brain) decideN2(incident *contracts.Incident) *contracts.Decision {
	action := actionFor(incident)
	if action == "" {
		reasoning := fmt.Sprintf("N2 mode: Incident %s detected but no action required (severity=%s).",
			incident.IncidentType, incident.Severity)
		return b.newDecision(incident, contracts.DecisionNoAction, reasoning, contracts.ClassificationSafe)
	}

	switch classification := b.policies.Classify(action); classification {
	case contracts.ClassificationRisky:
		reasoning := fmt.Sprintf("N2 mode: Action %s is RISKY and requires approval. No approval mechanism available. No action taken.", action)
		return b.newDecision(incident, contracts.DecisionNoAction, reasoning, classification)
	case contracts.ClassificationUnknown:
		reasoning := fmt.Sprintf("N2 mode: Action %s classification unknown. Treating as RISKY. No action taken.", action)
		return b.newDecision(incident, contracts.DecisionNoAction, reasoning, classification)
	}

	return b.decideSafeAction(incident, action, contracts.AutonomyN2)
}

func (b *Brain) decideN3(incident *contracts.Incident) *contracts.Decision {
	action := actionFor(incident)
	if action == "" {
		reasoning := fmt.Sprintf("N3 mode: Incident %s detected but no action required (severity=%s).",
			incident.IncidentType, incident.Severity)
		return b.newDecision(incident, contracts.DecisionNoAction, reasoning, contracts.ClassificationSafe)
	}

	classification := b.policies.Classify(action)
	if classification == contracts.ClassificationUnknown {
		// Unknown is coerced to RISKY: approval required, fail closed.
		b.log.Info("unknown action treated as risky", "action", action)
		classification = contracts.ClassificationRisky
	}

	if classification == contracts.ClassificationRisky {
		reasoning := fmt.Sprintf("N3 mode: Action %s is RISKY and requires ADMIN approval before execution.", action)
		d := b.newDecision(incident, contracts.DecisionRequestApproval, reasoning, contracts.ClassificationRisky)
		d.RequiresApproval = true
		d.ProposedAction = &contracts.ProposedAction{
			ActionType: action,
			Parameters: map[string]any{"incident_id": incident.IncidentID},
		}
		b.log.Info("decision", "decision_id", d.DecisionID, "incident_id", incident.IncidentID,
			"type", d.DecisionType, "action", action)
		return d
	}

	return b.decideSafeAction(incident, action, contracts.AutonomyN3)
}

// decideSafeAction runs the shared SAFE path: cooldown gate, breaker
// gate, then EXECUTE_SAFE_ACTION with the cooldown recorded.
func (b *Brain) decideSafeAction(incident *contracts.Incident, action, mode string) *contracts.Decision {
	cooldown, hasCooldown := b.policies.Cooldown(action)
	if hasCooldown && !b.cooldown.Check(action, cooldown, "") {
		remaining := b.cooldown.Remaining(action, cooldown, "")
		reasoning := fmt.Sprintf("%s mode: Action %s is SAFE but in cooldown (%.1fs remaining). No action taken.",
			mode, action, remaining.Seconds())
		return b.newDecision(incident, contracts.DecisionNoAction, reasoning, contracts.ClassificationSafe)
	}

	if b.breaker.IsOpen(action) {
		reasoning := fmt.Sprintf("%s mode: Action %s circuit breaker is OPEN (too many recent failures). No action taken.",
			mode, action)
		return b.newDecision(incident, contracts.DecisionNoAction, reasoning, contracts.ClassificationSafe)
	}

	reasoning := fmt.Sprintf("%s mode: Executing SAFE action %s for incident %s (severity=%s).",
		mode, action, incident.IncidentType, incident.Severity)
	d := b.newDecision(incident, contracts.DecisionExecuteSafeAction, reasoning, contracts.ClassificationSafe)
	d.ProposedAction = &contracts.ProposedAction{
		ActionType: action,
		Parameters: map[string]any{"incident_id": incident.IncidentID},
	}

	b.log.Info("decision", "decision_id", d.DecisionID, "incident_id", incident.IncidentID,
		"type", d.DecisionType, "action", action)

	if hasCooldown {
		b.cooldown.Record(action, "")
	}
	return d
}

// buildApprovalRequest creates the sibling approval_request for an N3
// RISKY decision.
func (b *Brain) buildApprovalRequest(decision *contracts.Decision, incident *contracts.Incident) *contracts.ApprovalRequest {
	now := b.clock().UTC()
	return &contracts.ApprovalRequest{
		Version:           contracts.Version,
		ApprovalRequestID: uuid.New().String(),
		Timestamp:         now,
		Source:            b.source,
		DecisionID:        decision.DecisionID,
		ActionType:        decision.ProposedAction.ActionType,
		RiskLevel:         contracts.ClassificationRisky,
		RequestedAction: contracts.RequestedAction{
			ActionType: decision.ProposedAction.ActionType,
			Parameters: decision.ProposedAction.Parameters,
			Reasoning:  decision.Reasoning,
		},
		ExpiresAt:  now.Add(b.approvalTimeout),
		IncidentID: incident.IncidentID,
	}
}

// review runs the optional council validation over a decision.
// BLOCKED (or any degenerate reviewer outcome) mutates the decision to
// NO_ACTION with the critique prefixed to the reasoning and the proposed
// action stripped. ESCALATE_TO_ADMIN logs and leaves the decision as is.
func (b *Brain) review(ctx context.Context, decision *contracts.Decision, incident *contracts.Incident) {
	if b.reviewer == nil {
		return
	}

	dc := council.DecisionContext{
		IncidentType:         incident.IncidentType,
		Severity:             incident.Severity,
		SafetyClassification: decision.SafetyClassification,
		DecisionType:         decision.DecisionType,
		Reasoning:            decision.Reasoning,
	}

	b.log.Info("validating decision with council", "decision_id", decision.DecisionID)
	result := b.reviewer.ValidateDecision(ctx, dc)

	switch result.Verdict {
	case council.VerdictApproved:
		b.log.Info("decision approved by council", "decision_id", decision.DecisionID,
			"confidence", result.Confidence)
	case council.VerdictEscalateToAdmin:
		b.log.Warn("decision escalated to admin by council", "decision_id", decision.DecisionID,
			"confidence", result.Confidence)
	default:
		b.log.Warn("decision blocked by council", "decision_id", decision.DecisionID,
			"critique", result.Critique)
		decision.DecisionType = contracts.DecisionNoAction
		decision.RequiresApproval = false
		decision.Reasoning = fmt.Sprintf("BLOCKED BY COUNCIL: %s. Original reasoning: %s",
			result.Critique, decision.Reasoning)
		decision.ProposedAction = nil
	}
}

// HandleIncident is the subscription handler: decide, emit the approval
// request for N3 RISKY decisions, run council review, publish.
func (b *Brain) HandleIncident(ctx context.Context, data []byte) error {
	var incident contracts.Incident
	if err := json.Unmarshal(data, &incident); err != nil {
		return fmt.Errorf("decode incident: %w", err)
	}

	decision := b.Decide(&incident)

	if decision.DecisionType == contracts.DecisionRequestApproval {
		request := b.buildApprovalRequest(decision, &incident)
		if _, err := b.bus.Publish(ctx, request, contracts.KindApprovalRequest); err != nil {
			b.log.Error("failed to publish approval request", "error", err)
		} else {
			b.log.Info("approval request emitted",
				"approval_request_id", request.ApprovalRequestID, "decision_id", decision.DecisionID)
		}
	}

	b.review(ctx, decision, &incident)

	if _, err := b.bus.Publish(ctx, decision, contracts.KindDecision); err != nil {
		b.log.Error("failed to publish decision", "decision_id", decision.DecisionID, "error", err)
		return nil
	}
	b.log.Info("decision published", "decision_id", decision.DecisionID)
	return nil
}
