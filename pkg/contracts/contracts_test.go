package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventFillsPrefix(t *testing.T) {
	e := NewEvent("watcher-1", "service_down", EventSeverityError, nil)

	assert.Equal(t, Version, e.Version)
	assert.NotEmpty(t, e.EventID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "watcher-1", e.Source)
	assert.NotNil(t, e.Data, "nil data becomes an empty map")
}

func TestEventSeverityRank(t *testing.T) {
	assert.Less(t, EventSeverityRank(EventSeverityInfo), EventSeverityRank(EventSeverityWarning))
	assert.Less(t, EventSeverityRank(EventSeverityWarning), EventSeverityRank(EventSeverityError))
	assert.Less(t, EventSeverityRank(EventSeverityError), EventSeverityRank(EventSeverityCritical))
	assert.Equal(t, -1, EventSeverityRank("catastrophic"), "unknown severities rank below info")
}

func TestMapEventSeverity(t *testing.T) {
	tests := []struct {
		event string
		want  string
	}{
		{EventSeverityCritical, IncidentSeverityCritical},
		{EventSeverityError, IncidentSeverityHigh},
		{EventSeverityWarning, IncidentSeverityMedium},
		{EventSeverityInfo, IncidentSeverityLow},
		{"unknown", IncidentSeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapEventSeverity(tt.event), "event severity %s", tt.event)
	}
}

func TestApprovalDecisionOmitsOverridesUnlessSet(t *testing.T) {
	d := ApprovalDecision{Version: Version, Decision: ApprovalApprove}
	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotContains(t, doc, "override_circuit_breaker")
	assert.NotContains(t, doc, "override_cooldown")
	assert.NotContains(t, doc, "action_id")

	f := false
	d.OverrideCircuitBreaker = &f
	raw, err = json.Marshal(d)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "override_circuit_breaker", "explicit false must still serialize")
}

func TestDecisionOmitsProposedActionWhenNil(t *testing.T) {
	d := Decision{Version: Version, DecisionType: DecisionNoAction}
	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotContains(t, doc, "proposed_action")
}
