package approval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orion-ops/orion/pkg/contracts"
)

type capturingBus struct {
	published []any
	kinds     []string
}

func (b *capturingBus) Publish(_ context.Context, msg any, kind string) (string, error) {
	b.published = append(b.published, msg)
	b.kinds = append(b.kinds, kind)
	return "1-0", nil
}

func testAdmin() *AdminIdentity {
	return NewAdminIdentity("100200300", "ops-admin")
}

func newTestCoordinator(bus *capturingBus, now *time.Time) *Coordinator {
	return NewCoordinator(bus, testAdmin()).
		WithTimeout(5 * time.Minute).
		WithClock(func() time.Time { return *now })
}

func requestExpiring(at time.Time) *contracts.ApprovalRequest {
	return &contracts.ApprovalRequest{
		Version:           contracts.Version,
		ApprovalRequestID: "req-1",
		Timestamp:         at.Add(-time.Minute),
		Source:            "orion-brain",
		DecisionID:        "dec-1",
		ActionType:        "restart_service",
		RiskLevel:         contracts.ClassificationRisky,
		RequestedAction: contracts.RequestedAction{
			ActionType: "restart_service",
			Parameters: map[string]any{"incident_id": "inc-1"},
			Reasoning:  "Service down, restart required to restore traffic",
		},
		ExpiresAt:  at,
		IncidentID: "inc-1",
	}
}

func ingest(t *testing.T, c *Coordinator, req *contracts.ApprovalRequest) {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, c.HandleRequest(context.Background(), raw))
}

func TestHandleRequestStoresPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCoordinator(&capturingBus{}, &now)

	ingest(t, c, requestExpiring(now.Add(time.Minute)))
	assert.Equal(t, 1, c.PendingCount())
}

func TestHandleRequestExpiredAtArrivalDropped(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := &capturingBus{}
	c := newTestCoordinator(bus, &now)

	ingest(t, c, requestExpiring(now.Add(-time.Second)))
	assert.Zero(t, c.PendingCount())
	assert.Empty(t, bus.published, "expired requests never yield a decision")
}

func TestApproveHappyPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := &capturingBus{}
	c := newTestCoordinator(bus, &now)
	ingest(t, c, requestExpiring(now.Add(time.Minute)))

	decision, err := c.Approve(context.Background(), "req-1", "ops-admin", ChannelCLI, "verified incident manually")
	require.NoError(t, err)
	require.NotNil(t, decision)

	assert.Equal(t, contracts.ApprovalApprove, decision.Decision)
	assert.Equal(t, "req-1", decision.ApprovalRequestID)
	assert.Equal(t, "dec-1", decision.DecisionID)
	assert.Equal(t, "ops-admin", decision.AdminIdentity)
	assert.Equal(t, "orion-approval-cli", decision.Source)
	assert.NotEmpty(t, decision.ActionID)
	assert.Nil(t, decision.OverrideCircuitBreaker)
	assert.Equal(t, now.Add(5*time.Minute), decision.ExpiresAt)

	assert.Zero(t, c.PendingCount())
	require.Len(t, bus.published, 1)
	assert.Equal(t, contracts.KindApprovalDecision, bus.kinds[0])

	stored, ok := c.Decision("req-1")
	require.True(t, ok)
	assert.Equal(t, decision.ApprovalID, stored.ApprovalID)
}

// An approval issued after the request expired returns nothing and
// publishes nothing; the request is escalated and purged.
func TestApproveAfterExpiryEscalates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := &capturingBus{}
	c := newTestCoordinator(bus, &now)
	ingest(t, c, requestExpiring(now.Add(time.Second)))

	now = now.Add(2 * time.Second)
	decision, err := c.Approve(context.Background(), "req-1", "ops-admin", ChannelCLI, "too late anyway")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Nil(t, decision)
	assert.Zero(t, c.PendingCount())
	assert.Empty(t, bus.published)
}

func TestApproveIdentityMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := &capturingBus{}
	c := newTestCoordinator(bus, &now)
	ingest(t, c, requestExpiring(now.Add(time.Minute)))

	_, err := c.Approve(context.Background(), "req-1", "intruder", ChannelCLI, "let me in")
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	_, err = c.Approve(context.Background(), "req-1", "ops-admin", "carrier-pigeon", "reason")
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	assert.Equal(t, 1, c.PendingCount(), "rejected operations leave the request pending")
	assert.Empty(t, bus.published)
}

func TestApproveUnknownRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCoordinator(&capturingBus{}, &now)

	_, err := c.Approve(context.Background(), "req-missing", "ops-admin", ChannelCLI, "reason")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveRequiresReason(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCoordinator(&capturingBus{}, &now)
	ingest(t, c, requestExpiring(now.Add(time.Minute)))

	_, err := c.Approve(context.Background(), "req-1", "ops-admin", ChannelCLI, "   ")
	assert.ErrorIs(t, err, ErrReasonRequired)
	assert.Equal(t, 1, c.PendingCount())
}

func TestDenyPublishesWithoutActionID(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := &capturingBus{}
	c := newTestCoordinator(bus, &now)
	ingest(t, c, requestExpiring(now.Add(time.Minute)))

	decision, err := c.Deny(context.Background(), "req-1", "100200300", ChannelTelegram, "not during peak hours")
	require.NoError(t, err)

	assert.Equal(t, contracts.ApprovalDeny, decision.Decision)
	assert.Empty(t, decision.ActionID)
	assert.Nil(t, decision.OverrideCircuitBreaker)
	assert.Equal(t, "orion-approval-telegram", decision.Source)
	assert.Zero(t, c.PendingCount())
}

func TestForceRequiresLongReason(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCoordinator(&capturingBus{}, &now)
	ingest(t, c, requestExpiring(now.Add(time.Minute)))

	_, err := c.Force(context.Background(), "req-1", "ops-admin", ChannelCLI, "short", true, false)
	assert.ErrorIs(t, err, ErrReasonRequired)
	assert.Equal(t, 1, c.PendingCount())
}

func TestForceCarriesOverrideFlags(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := &capturingBus{}
	c := newTestCoordinator(bus, &now)
	ingest(t, c, requestExpiring(now.Add(time.Minute)))

	decision, err := c.Force(context.Background(), "req-1", "ops-admin", ChannelCLI,
		"incident bridge decided to override the breaker", true, false)
	require.NoError(t, err)

	assert.Equal(t, contracts.ApprovalForce, decision.Decision)
	assert.NotEmpty(t, decision.ActionID)
	require.NotNil(t, decision.OverrideCircuitBreaker)
	require.NotNil(t, decision.OverrideCooldown)
	assert.True(t, *decision.OverrideCircuitBreaker)
	assert.False(t, *decision.OverrideCooldown)
}

func TestApprovalIsOneTimeUse(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCoordinator(&capturingBus{}, &now)
	ingest(t, c, requestExpiring(now.Add(time.Minute)))

	_, err := c.Approve(context.Background(), "req-1", "ops-admin", ChannelCLI, "verified")
	require.NoError(t, err)

	_, err = c.Approve(context.Background(), "req-1", "ops-admin", ChannelCLI, "verified again")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := &capturingBus{}
	c := newTestCoordinator(bus, &now)

	early := requestExpiring(now.Add(30 * time.Second))
	late := requestExpiring(now.Add(10 * time.Minute))
	late.ApprovalRequestID = "req-2"
	ingest(t, c, early)
	ingest(t, c, late)

	assert.Zero(t, c.SweepExpired())

	now = now.Add(time.Minute)
	assert.Equal(t, 1, c.SweepExpired())
	assert.Equal(t, 1, c.PendingCount())
	assert.Empty(t, bus.published, "sweeps never publish decisions")
}

func TestLoadAdminIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "admin.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin:\n  telegram_chat_id: \"42\"\n"), 0o644))

	admin, err := LoadAdminIdentity(path)
	require.NoError(t, err)
	assert.True(t, admin.VerifyTelegram("42"))
	assert.False(t, admin.VerifyTelegram("43"))
	assert.False(t, admin.VerifyCLI("anyone"), "unconfigured channel rejects")
	assert.Equal(t, "42", admin.Identity(ChannelTelegram))
	assert.Empty(t, admin.Identity(ChannelCLI))
}

func TestLoadAdminIdentityRequiresAChannel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "admin.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin: {}\n"), 0o644))

	_, err := LoadAdminIdentity(path)
	assert.Error(t, err)
}

func TestLoadAdminIdentityMissingFile(t *testing.T) {
	_, err := LoadAdminIdentity(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
