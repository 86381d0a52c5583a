// Package contracts defines the versioned message types exchanged over the
// event bus, together with the JSON Schemas they must satisfy.
//
// Every contract carries the shared prefix {version, <kind>_id, timestamp,
// source}. Messages are immutable once published; constructors fill the
// prefix fields so callers only supply domain data.
package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Version is the contract schema version stamped on every message.
const Version = "1.0"

// Contract kinds. The stream for a kind is "<prefix>:<kind>s".
const (
	KindEvent            = "event"
	KindIncident         = "incident"
	KindDecision         = "decision"
	KindApprovalRequest  = "approval_request"
	KindApprovalDecision = "approval_decision"
	KindAction           = "action"
	KindOutcome          = "outcome"
)

// Event severities, ordered info < warning < error < critical.
const (
	EventSeverityInfo     = "info"
	EventSeverityWarning  = "warning"
	EventSeverityError    = "error"
	EventSeverityCritical = "critical"
)

// Incident severities, ordered low < medium < high < critical.
const (
	IncidentSeverityLow      = "low"
	IncidentSeverityMedium   = "medium"
	IncidentSeverityHigh     = "high"
	IncidentSeverityCritical = "critical"
)

// Decision types.
const (
	DecisionNoAction          = "NO_ACTION"
	DecisionExecuteSafeAction = "EXECUTE_SAFE_ACTION"
	DecisionRequestApproval   = "REQUEST_APPROVAL"
)

// Safety classifications.
const (
	ClassificationSafe    = "SAFE"
	ClassificationRisky   = "RISKY"
	ClassificationUnknown = "UNKNOWN"
)

// Autonomy levels.
const (
	AutonomyN0 = "N0"
	AutonomyN2 = "N2"
	AutonomyN3 = "N3"
)

// Admin decision variants.
const (
	ApprovalApprove = "approve"
	ApprovalDeny    = "deny"
	ApprovalForce   = "force"
)

// Outcome statuses.
const (
	OutcomeSucceeded  = "succeeded"
	OutcomeFailed     = "failed"
	OutcomeRolledBack = "rolled_back"
)

var eventSeverityRank = map[string]int{
	EventSeverityInfo:     0,
	EventSeverityWarning:  1,
	EventSeverityError:    2,
	EventSeverityCritical: 3,
}

// EventSeverityRank returns the ordering rank of an event severity.
// Unknown severities rank below info.
func EventSeverityRank(severity string) int {
	if r, ok := eventSeverityRank[severity]; ok {
		return r
	}
	return -1
}

// MapEventSeverity maps an event severity to the incident severity an
// observer may assign without escalating beyond observed data.
func MapEventSeverity(severity string) string {
	switch severity {
	case EventSeverityCritical:
		return IncidentSeverityCritical
	case EventSeverityError:
		return IncidentSeverityHigh
	case EventSeverityWarning:
		return IncidentSeverityMedium
	default:
		return IncidentSeverityLow
	}
}

// Event is a raw observation emitted by a watcher.
type Event struct {
	Version   string         `json:"version"`
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with the prefix fields filled in.
func NewEvent(source, eventType, severity string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		Version:   Version,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		EventType: eventType,
		Severity:  severity,
		Data:      data,
	}
}

// CorrelationWindow is the time span an incident's events were observed in.
type CorrelationWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Incident is a correlated condition emitted by the guardian.
type Incident struct {
	Version           string            `json:"version"`
	IncidentID        string            `json:"incident_id"`
	Timestamp         time.Time         `json:"timestamp"`
	Source            string            `json:"source"`
	IncidentType      string            `json:"incident_type"`
	Severity          string            `json:"severity"`
	EventIDs          []string          `json:"event_ids"`
	CorrelationWindow CorrelationWindow `json:"correlation_window"`
	State             string            `json:"state"`
	Description       string            `json:"description"`
}

// ProposedAction is the action a decision proposes to execute.
type ProposedAction struct {
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters"`
}

// Decision is the brain's reasoning outcome for an incident.
type Decision struct {
	Version              string          `json:"version"`
	DecisionID           string          `json:"decision_id"`
	Timestamp            time.Time       `json:"timestamp"`
	Source               string          `json:"source"`
	IncidentID           string          `json:"incident_id"`
	DecisionType         string          `json:"decision_type"`
	SafetyClassification string          `json:"safety_classification"`
	RequiresApproval     bool            `json:"requires_approval"`
	Reasoning            string          `json:"reasoning"`
	AutonomyLevel        string          `json:"autonomy_level"`
	ProposedAction       *ProposedAction `json:"proposed_action,omitempty"`
}

// RequestedAction describes the action an approval request asks to run.
type RequestedAction struct {
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
}

// ApprovalRequest asks the admin to authorize a RISKY action.
type ApprovalRequest struct {
	Version           string          `json:"version"`
	ApprovalRequestID string          `json:"approval_request_id"`
	Timestamp         time.Time       `json:"timestamp"`
	Source            string          `json:"source"`
	DecisionID        string          `json:"decision_id"`
	ActionType        string          `json:"action_type"`
	RiskLevel         string          `json:"risk_level"`
	RequestedAction   RequestedAction `json:"requested_action"`
	ExpiresAt         time.Time       `json:"expires_at"`
	IncidentID        string          `json:"incident_id"`
}

// ApprovalDecision is the admin's verdict on an approval request.
// One-time use; action_id and override flags are present only for
// approve/force decisions.
type ApprovalDecision struct {
	Version                string    `json:"version"`
	ApprovalID             string    `json:"approval_id"`
	Timestamp              time.Time `json:"timestamp"`
	Source                 string    `json:"source"`
	ApprovalRequestID      string    `json:"approval_request_id"`
	DecisionID             string    `json:"decision_id"`
	Decision               string    `json:"decision"`
	AdminIdentity          string    `json:"admin_identity"`
	Reason                 string    `json:"reason"`
	IssuedAt               time.Time `json:"issued_at"`
	ExpiresAt              time.Time `json:"expires_at"`
	ActionID               string    `json:"action_id,omitempty"`
	OverrideCircuitBreaker *bool     `json:"override_circuit_breaker,omitempty"`
	OverrideCooldown       *bool     `json:"override_cooldown,omitempty"`
}

// Action is an execution order derived from a decision (plus approval for
// RISKY actions).
type Action struct {
	Version              string         `json:"version"`
	ActionID             string         `json:"action_id"`
	Timestamp            time.Time      `json:"timestamp"`
	Source               string         `json:"source"`
	DecisionID           string         `json:"decision_id"`
	ActionType           string         `json:"action_type"`
	SafetyClassification string         `json:"safety_classification"`
	State                string         `json:"state"`
	Parameters           map[string]any `json:"parameters"`
	RollbackEnabled      bool           `json:"rollback_enabled"`
	DryRun               bool           `json:"dry_run"`
	ApprovalID           string         `json:"approval_id,omitempty"`
}

// OutcomeError describes why an execution failed.
type OutcomeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Outcome is the result of executing an action.
type Outcome struct {
	Version          string         `json:"version"`
	OutcomeID        string         `json:"outcome_id"`
	Timestamp        time.Time      `json:"timestamp"`
	Source           string         `json:"source"`
	ActionID         string         `json:"action_id"`
	Status           string         `json:"status"`
	ExecutionTimeMS  int64          `json:"execution_time_ms"`
	Result           map[string]any `json:"result,omitempty"`
	Error            *OutcomeError  `json:"error,omitempty"`
	RollbackExecuted *bool          `json:"rollback_executed,omitempty"`
}
