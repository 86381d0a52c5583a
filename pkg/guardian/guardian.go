// Package guardian correlates raw events into incidents. It makes no
// decisions and executes nothing; its only outputs are incident
// contracts, deduplicated by fingerprint and never carrying a severity
// beyond what was observed.
package guardian

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orion-ops/orion/pkg/contracts"
)

// Defaults for the correlation window and event buffer.
const (
	DefaultCorrelationWindow = 60 * time.Second
	DefaultBufferSize        = 100
	DefaultSource            = "orion-guardian"
)

// Publisher is the bus surface the guardian needs.
type Publisher interface {
	Publish(ctx context.Context, msg any, kind string) (string, error)
}

// Guardian correlates events into incidents.
type Guardian struct {
	bus    Publisher
	window time.Duration
	source string

	mu           sync.Mutex
	buffer       []*contracts.Event
	fingerprints map[string]string // fingerprint -> incident_id

	clock func() time.Time
	log   *slog.Logger
}

// New creates a guardian with the default window and buffer size.
func New(bus Publisher) *Guardian {
	return &Guardian{
		bus:          bus,
		window:       DefaultCorrelationWindow,
		source:       DefaultSource,
		fingerprints: make(map[string]string),
		clock:        time.Now,
		log:          slog.Default().With("component", "guardian"),
	}
}

// WithWindow overrides the correlation window.
func (g *Guardian) WithWindow(window time.Duration) *Guardian {
	g.window = window
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Guardian) WithClock(clock func() time.Time) *Guardian {
	g.clock = clock
	return g
}

// Fingerprint derives the 16-hex dedup key for an event from its stable
// identifying fields. The rendering sorts fields by name so equal events
// always hash equally.
func Fingerprint(event *contracts.Event) string {
	fields := map[string]string{
		"event_type": event.EventType,
		"source":     event.Source,
		"severity":   event.Severity,
	}
	if v, ok := event.Data["service_name"].(string); ok {
		fields["service_name"] = v
	}
	if v, ok := event.Data["resource_type"].(string); ok {
		fields["resource_type"] = v
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s;", k, fields[k])
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// incidentTypeFor maps the correlated events to an incident type by a
// fixed mapping on their event types.
func incidentTypeFor(events []*contracts.Event) string {
	types := make(map[string]bool, len(events))
	for _, e := range events {
		types[e.EventType] = true
	}
	switch {
	case types["service_down"]:
		return "service_outage"
	case types["metric_threshold_exceeded"]:
		return "metric_anomaly"
	case types["edge_device_offline"]:
		return "edge_device_failure"
	default:
		return "correlation_detected"
	}
}

// severityFor maps the maximum observed event severity to an incident
// severity. Never escalates beyond observed data.
func severityFor(events []*contracts.Event) string {
	maxSeverity := contracts.EventSeverityInfo
	for _, e := range events {
		if contracts.EventSeverityRank(e.Severity) > contracts.EventSeverityRank(maxSeverity) {
			maxSeverity = e.Severity
		}
	}
	return contracts.MapEventSeverity(maxSeverity)
}

// shouldCorrelate reports whether the events warrant an incident: at
// least one event of warning severity or above.
func shouldCorrelate(events []*contracts.Event) bool {
	for _, e := range events {
		if contracts.EventSeverityRank(e.Severity) >= contracts.EventSeverityRank(contracts.EventSeverityWarning) {
			return true
		}
	}
	return false
}

// correlate inspects the buffer and returns a new incident, or nil when
// nothing correlates or the fingerprint was already emitted.
func (g *Guardian) correlate() *contracts.Incident {
	if !shouldCorrelate(g.buffer) {
		return nil
	}

	now := g.clock().UTC()
	windowStart := now.Add(-g.window)

	var recent []*contracts.Event
	for _, e := range g.buffer {
		if !e.Timestamp.Before(windowStart) {
			recent = append(recent, e)
		}
	}
	if len(recent) == 0 {
		return nil
	}

	fingerprint := Fingerprint(recent[0])
	if _, seen := g.fingerprints[fingerprint]; seen {
		g.log.Debug("incident already exists for fingerprint", "fingerprint", fingerprint)
		return nil
	}

	eventIDs := make([]string, len(recent))
	for i, e := range recent {
		eventIDs[i] = e.EventID
	}

	incidentType := incidentTypeFor(recent)
	incident := &contracts.Incident{
		Version:      contracts.Version,
		IncidentID:   uuid.New().String(),
		Timestamp:    now,
		Source:       g.source,
		IncidentType: incidentType,
		Severity:     severityFor(recent),
		EventIDs:     eventIDs,
		CorrelationWindow: contracts.CorrelationWindow{
			Start: windowStart,
			End:   now,
		},
		State:       "open",
		Description: fmt.Sprintf("Correlated %d event(s): %s", len(recent), incidentType),
	}

	g.fingerprints[fingerprint] = incident.IncidentID

	g.log.Info("incident created", "incident_id", incident.IncidentID,
		"type", incident.IncidentType, "severity", incident.Severity, "events", len(recent))
	return incident
}

// HandleEvent is the subscription handler: buffer, correlate, publish.
func (g *Guardian) HandleEvent(ctx context.Context, data []byte) error {
	var event contracts.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	g.mu.Lock()
	g.buffer = append(g.buffer, &event)
	if len(g.buffer) > DefaultBufferSize {
		g.buffer = g.buffer[len(g.buffer)-DefaultBufferSize:]
	}
	incident := g.correlate()
	g.mu.Unlock()

	if incident == nil {
		return nil
	}

	if _, err := g.bus.Publish(ctx, incident, contracts.KindIncident); err != nil {
		g.log.Error("failed to publish incident", "incident_id", incident.IncidentID, "error", err)
		return nil
	}
	g.log.Info("incident published", "incident_id", incident.IncidentID)
	return nil
}
