package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orion-ops/orion/pkg/contracts"
)

// Coordinator defaults.
const (
	DefaultApprovalTimeout = 5 * time.Minute
	DefaultSource          = "orion-approval-coordinator"

	forceReasonMinLen = 10
)

// Sentinel errors for rejected admin operations.
var (
	ErrIdentityMismatch = errors.New("identity does not match configured admin")
	ErrNotFound         = errors.New("approval request not found or already processed")
	ErrExpired          = errors.New("approval request expired")
	ErrReasonRequired   = errors.New("reason is mandatory")
)

// Publisher is the bus surface the coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, msg any, kind string) (string, error)
}

// Coordinator tracks pending approval requests and turns admin verdicts
// into approval_decision contracts.
//
// Timeout means escalation, never execution. Expired requests are
// dropped with an escalation log and no decision is ever published for
// them.
type Coordinator struct {
	bus     Publisher
	admin   *AdminIdentity
	timeout time.Duration

	mu        sync.Mutex
	pending   map[string]*contracts.ApprovalRequest
	decisions map[string]*contracts.ApprovalDecision

	clock func() time.Time
	log   *slog.Logger
}

// NewCoordinator creates a coordinator with the default approval
// timeout.
func NewCoordinator(bus Publisher, admin *AdminIdentity) *Coordinator {
	return &Coordinator{
		bus:       bus,
		admin:     admin,
		timeout:   DefaultApprovalTimeout,
		pending:   make(map[string]*contracts.ApprovalRequest),
		decisions: make(map[string]*contracts.ApprovalDecision),
		clock:     time.Now,
		log:       slog.Default().With("component", "approval"),
	}
}

// WithTimeout overrides the approval decision validity window.
func (c *Coordinator) WithTimeout(timeout time.Duration) *Coordinator {
	c.timeout = timeout
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// HandleRequest is the subscription handler for approval requests.
// Requests already expired at arrival escalate immediately and are
// never stored.
func (c *Coordinator) HandleRequest(ctx context.Context, data []byte) error {
	var req contracts.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode approval request: %w", err)
	}

	c.log.Info("approval request received", "approval_request_id", req.ApprovalRequestID,
		"action_type", req.ActionType, "expires_at", req.ExpiresAt)

	if !c.clock().Before(req.ExpiresAt) {
		c.escalate(&req)
		return nil
	}

	c.mu.Lock()
	c.pending[req.ApprovalRequestID] = &req
	c.mu.Unlock()

	c.log.Info("approval request pending, awaiting admin decision",
		"approval_request_id", req.ApprovalRequestID)
	return nil
}

// Approve records an admin approval of a pending request.
func (c *Coordinator) Approve(ctx context.Context, requestID, identity, channel, reason string) (*contracts.ApprovalDecision, error) {
	return c.settle(ctx, requestID, identity, channel, reason, contracts.ApprovalApprove, false, false)
}

// Deny records an admin denial of a pending request. Denials are not
// subject to the expiry check: a late denial is still a denial.
func (c *Coordinator) Deny(ctx context.Context, requestID, identity, channel, reason string) (*contracts.ApprovalDecision, error) {
	return c.settle(ctx, requestID, identity, channel, reason, contracts.ApprovalDeny, false, false)
}

// Force records an admin force-approval, optionally bypassing the
// circuit breaker and cooldown. Force requires a justification of at
// least ten characters.
func (c *Coordinator) Force(ctx context.Context, requestID, identity, channel, reason string, overrideBreaker, overrideCooldown bool) (*contracts.ApprovalDecision, error) {
	return c.settle(ctx, requestID, identity, channel, reason, contracts.ApprovalForce, overrideBreaker, overrideCooldown)
}

func (c *Coordinator) settle(ctx context.Context, requestID, identity, channel, reason, verdict string, overrideBreaker, overrideCooldown bool) (*contracts.ApprovalDecision, error) {
	if !c.admin.Verify(channel, identity) {
		c.log.Error("admin operation rejected: identity mismatch",
			"approval_request_id", requestID, "channel", channel, "decision", verdict)
		return nil, ErrIdentityMismatch
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[requestID]
	if !ok {
		c.log.Error("admin operation rejected: request unknown",
			"approval_request_id", requestID, "decision", verdict)
		return nil, ErrNotFound
	}

	now := c.clock()
	if verdict != contracts.ApprovalDeny && !now.Before(req.ExpiresAt) {
		c.escalate(req)
		delete(c.pending, requestID)
		return nil, ErrExpired
	}

	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		c.log.Error("admin operation rejected: reason is mandatory", "decision", verdict)
		return nil, ErrReasonRequired
	}
	if verdict == contracts.ApprovalForce && len(trimmed) < forceReasonMinLen {
		c.log.Error("force rejected: reason must be at least 10 characters")
		return nil, fmt.Errorf("%w: force requires at least %d characters", ErrReasonRequired, forceReasonMinLen)
	}

	decision := &contracts.ApprovalDecision{
		Version:           contracts.Version,
		ApprovalID:        uuid.New().String(),
		Timestamp:         now.UTC(),
		Source:            "orion-approval-" + channel,
		ApprovalRequestID: req.ApprovalRequestID,
		DecisionID:        req.DecisionID,
		Decision:          verdict,
		AdminIdentity:     identity,
		Reason:            reason,
		IssuedAt:          now.UTC(),
		ExpiresAt:         now.UTC().Add(c.timeout),
	}
	if verdict == contracts.ApprovalApprove || verdict == contracts.ApprovalForce {
		decision.ActionID = uuid.New().String()
	}
	if verdict == contracts.ApprovalForce {
		decision.OverrideCircuitBreaker = &overrideBreaker
		decision.OverrideCooldown = &overrideCooldown
	}

	c.decisions[requestID] = decision
	delete(c.pending, requestID)

	if _, err := c.bus.Publish(ctx, decision, contracts.KindApprovalDecision); err != nil {
		// The request stays consumed. The admin must re-issue.
		c.log.Error("failed to publish approval decision",
			"approval_id", decision.ApprovalID, "error", err)
		return decision, nil
	}

	if verdict == contracts.ApprovalForce {
		c.log.Warn("approval decision published", "approval_id", decision.ApprovalID,
			"decision", verdict, "action_type", req.ActionType,
			"override_circuit_breaker", overrideBreaker, "override_cooldown", overrideCooldown)
	} else {
		c.log.Info("approval decision published", "approval_id", decision.ApprovalID,
			"decision", verdict, "action_type", req.ActionType)
	}
	return decision, nil
}

// SweepExpired escalates and removes every pending request past its
// expiry. Call periodically.
func (c *Coordinator) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	removed := 0
	for id, req := range c.pending {
		if !now.Before(req.ExpiresAt) {
			c.escalate(req)
			delete(c.pending, id)
			removed++
		}
	}
	return removed
}

// PendingCount returns the number of requests awaiting a verdict.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Decision returns a settled decision by approval_request_id.
func (c *Coordinator) Decision(requestID string) (*contracts.ApprovalDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.decisions[requestID]
	return d, ok
}

func (c *Coordinator) escalate(req *contracts.ApprovalRequest) {
	c.log.Error("ESCALATION: approval request timed out, action not executed",
		"approval_request_id", req.ApprovalRequestID, "action_type", req.ActionType)
}
