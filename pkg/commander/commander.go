// Package commander executes actions and emits outcomes. SAFE actions
// execute directly; RISKY actions execute only against a valid,
// unexpired, one-time admin approval. Every execution, success or
// failure, produces a published outcome.
package commander

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orion-ops/orion/pkg/contracts"
	"github.com/orion-ops/orion/pkg/policy"
)

// DefaultSource identifies the commander in outcome contracts.
const DefaultSource = "orion-commander"

// Publisher is the bus surface the commander needs.
type Publisher interface {
	Publish(ctx context.Context, msg any, kind string) (string, error)
}

// Acknowledger records incident acknowledgements in the audit trail.
// Optional; a nil acknowledger skips the record.
type Acknowledger interface {
	Acknowledge(incidentID, actionID string, at time.Time) error
}

// Commander turns decisions into executed actions.
type Commander struct {
	bus      Publisher
	policies *policy.Store
	audit    Acknowledger
	source   string

	mu        sync.Mutex
	approvals map[string]*contracts.ApprovalDecision // approval_request_id -> decision

	clock func() time.Time
	log   *slog.Logger
}

// Option configures a Commander.
type Option func(*Commander)

// WithAudit attaches an audit acknowledger.
func WithAudit(audit Acknowledger) Option {
	return func(c *Commander) { c.audit = audit }
}

// WithSource overrides the outcome source identifier.
func WithSource(source string) Option {
	return func(c *Commander) { c.source = source }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Commander) { c.clock = clock }
}

// New creates a commander bound to the given bus and policy snapshot.
func New(bus Publisher, policies *policy.Store, opts ...Option) *Commander {
	c := &Commander{
		bus:       bus,
		policies:  policies,
		source:    DefaultSource,
		approvals: make(map[string]*contracts.ApprovalDecision),
		clock:     time.Now,
		log:       slog.Default().With("component", "commander"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PendingApprovals returns the number of stored, unconsumed approvals.
func (c *Commander) PendingApprovals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.approvals)
}

// HandleApprovalDecision is the subscription handler for approval
// decisions. Denials are ignored; expired approvals are dropped;
// approve/force decisions are stored for correlation with their
// decision, whichever stream delivers first.
func (c *Commander) HandleApprovalDecision(ctx context.Context, data []byte) error {
	var approval contracts.ApprovalDecision
	if err := json.Unmarshal(data, &approval); err != nil {
		return fmt.Errorf("decode approval decision: %w", err)
	}

	c.log.Info("approval decision received", "approval_id", approval.ApprovalID,
		"decision", approval.Decision, "decision_id", approval.DecisionID)

	if approval.Decision != contracts.ApprovalApprove && approval.Decision != contracts.ApprovalForce {
		c.log.Info("approval decision is not executable, ignoring",
			"approval_id", approval.ApprovalID, "decision", approval.Decision)
		return nil
	}

	if !c.clock().Before(approval.ExpiresAt) {
		c.log.Error("approval already expired, dropping", "approval_id", approval.ApprovalID)
		return nil
	}

	c.mu.Lock()
	c.approvals[approval.ApprovalRequestID] = &approval
	c.mu.Unlock()

	c.log.Info("approval stored, awaiting corresponding decision",
		"approval_id", approval.ApprovalID)
	return nil
}

// HandleDecision is the subscription handler for decisions.
func (c *Commander) HandleDecision(ctx context.Context, data []byte) error {
	var decision contracts.Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		return fmt.Errorf("decode decision: %w", err)
	}

	switch decision.DecisionType {
	case contracts.DecisionExecuteSafeAction, contracts.DecisionRequestApproval:
	default:
		c.log.Debug("decision not executable, ignoring",
			"decision_id", decision.DecisionID, "type", decision.DecisionType)
		return nil
	}

	if decision.ProposedAction == nil {
		c.log.Error("decision carries no proposed action, refusing",
			"decision_id", decision.DecisionID, "type", decision.DecisionType)
		return nil
	}
	actionType := decision.ProposedAction.ActionType

	if decision.DecisionType == contracts.DecisionExecuteSafeAction {
		if c.policies == nil || !c.policies.IsSafe(actionType) {
			c.log.Error("proposed action is not in the SAFE set, refusing",
				"decision_id", decision.DecisionID, "action_type", actionType)
			return nil
		}
		action := c.buildAction(&decision, "")
		c.publishOutcome(ctx, c.execute(action))
		return nil
	}

	// REQUEST_APPROVAL: execute only against a valid stored approval.
	approval := c.consumeApproval(decision.DecisionID)
	if approval == nil {
		c.log.Warn("decision requires approval but none found or approval expired, not executing",
			"decision_id", decision.DecisionID)
		return nil
	}

	if approval.Decision == contracts.ApprovalForce {
		c.log.Warn("executing forced action", "action_type", actionType,
			"approval_id", approval.ApprovalID,
			"override_circuit_breaker", derefBool(approval.OverrideCircuitBreaker),
			"override_cooldown", derefBool(approval.OverrideCooldown))
	} else {
		c.log.Info("executing approved risky action", "action_type", actionType,
			"approval_id", approval.ApprovalID)
	}

	action := c.buildAction(&decision, approval.ApprovalID)
	c.publishOutcome(ctx, c.execute(action))
	return nil
}

// consumeApproval finds an unexpired approval matching the decision and
// removes it from the store. One-time use: a second decision with the
// same id finds nothing.
func (c *Commander) consumeApproval(decisionID string) *contracts.ApprovalDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	for requestID, approval := range c.approvals {
		if approval.DecisionID != decisionID {
			continue
		}
		delete(c.approvals, requestID)
		if !c.clock().Before(approval.ExpiresAt) {
			c.log.Error("stored approval expired, purging", "approval_id", approval.ApprovalID)
			return nil
		}
		return approval
	}
	return nil
}

func (c *Commander) buildAction(decision *contracts.Decision, approvalID string) *contracts.Action {
	return &contracts.Action{
		Version:              contracts.Version,
		ActionID:             uuid.New().String(),
		Timestamp:            c.clock().UTC(),
		Source:               decision.Source,
		DecisionID:           decision.DecisionID,
		ActionType:           decision.ProposedAction.ActionType,
		SafetyClassification: decision.SafetyClassification,
		State:                "pending",
		Parameters:           decision.ProposedAction.Parameters,
		RollbackEnabled:      true,
		DryRun:               false,
		ApprovalID:           approvalID,
	}
}

// execute dispatches by action type and always returns an outcome. On
// execution failure the rollback routine runs; the outcome is
// rolled_back when rollback succeeds, failed otherwise.
func (c *Commander) execute(action *contracts.Action) *contracts.Outcome {
	start := c.clock()
	c.log.Info("executing action", "action_id", action.ActionID,
		"action_type", action.ActionType, "decision_id", action.DecisionID)

	result, err := c.dispatch(action)
	elapsed := c.clock().Sub(start).Milliseconds()

	if err == nil {
		c.log.Info("action succeeded", "action_id", action.ActionID, "elapsed_ms", elapsed)
		return c.buildOutcome(action, contracts.OutcomeSucceeded, elapsed, result, nil)
	}

	c.log.Error("action failed", "action_id", action.ActionID, "error", err)

	status := contracts.OutcomeRolledBack
	if rbErr := c.rollback(action); rbErr != nil {
		c.log.Error("rollback failed", "action_id", action.ActionID, "error", rbErr)
		status = contracts.OutcomeFailed
	}

	outErr := &contracts.OutcomeError{
		Code:    "EXECUTION_FAILED",
		Message: err.Error(),
		Details: map[string]any{"action_type": action.ActionType},
	}
	return c.buildOutcome(action, status, elapsed, nil, outErr)
}

func (c *Commander) dispatch(action *contracts.Action) (map[string]any, error) {
	switch action.ActionType {
	case "acknowledge_incident":
		return c.acknowledgeIncident(action)
	default:
		return nil, fmt.Errorf("unknown action type: %s", action.ActionType)
	}
}

// acknowledgeIncident is idempotent: re-acknowledging an incident
// produces the same observable state plus another audit entry.
func (c *Commander) acknowledgeIncident(action *contracts.Action) (map[string]any, error) {
	incidentID, _ := action.Parameters["incident_id"].(string)
	now := c.clock().UTC()

	c.log.Info("acknowledging incident", "incident_id", incidentID)

	if c.audit != nil {
		if err := c.audit.Acknowledge(incidentID, action.ActionID, now); err != nil {
			return nil, fmt.Errorf("record acknowledgement: %w", err)
		}
	}

	return map[string]any{
		"incident_id": incidentID,
		"acknowledgment": map[string]any{
			"incident_id":     incidentID,
			"acknowledged_at": now.Format(time.RFC3339Nano),
			"acknowledged_by": action.Source,
			"action_id":       action.ActionID,
		},
		"message": "Incident acknowledged (audit trail updated)",
	}, nil
}

func (c *Commander) rollback(action *contracts.Action) error {
	switch action.ActionType {
	case "acknowledge_incident":
		// Acknowledgements stay visible in the audit trail; rollback is
		// itself just a logged event.
		incidentID, _ := action.Parameters["incident_id"].(string)
		c.log.Info("rolling back incident acknowledgement", "incident_id", incidentID)
		return nil
	default:
		return fmt.Errorf("no rollback routine for action type: %s", action.ActionType)
	}
}

func (c *Commander) buildOutcome(action *contracts.Action, status string, elapsedMS int64, result map[string]any, outErr *contracts.OutcomeError) *contracts.Outcome {
	outcome := &contracts.Outcome{
		Version:         contracts.Version,
		OutcomeID:       uuid.New().String(),
		Timestamp:       c.clock().UTC(),
		Source:          c.source,
		ActionID:        action.ActionID,
		Status:          status,
		ExecutionTimeMS: elapsedMS,
		Result:          result,
		Error:           outErr,
	}
	if status == contracts.OutcomeRolledBack {
		t := true
		outcome.RollbackExecuted = &t
	}
	return outcome
}

func (c *Commander) publishOutcome(ctx context.Context, outcome *contracts.Outcome) {
	if _, err := c.bus.Publish(ctx, outcome, contracts.KindOutcome); err != nil {
		c.log.Error("failed to publish outcome", "outcome_id", outcome.OutcomeID, "error", err)
		return
	}
	c.log.Info("outcome published", "outcome_id", outcome.OutcomeID, "status", outcome.Status)
}

func derefBool(b *bool) bool {
	return b != nil && *b
}
