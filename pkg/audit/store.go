// Package audit is the append-only audit trail: one JSONL file per
// contract kind, never updated or deleted in place. Built for
// auditability, not read performance.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Log file names inside the storage directory.
const (
	eventsFile          = "events.jsonl"
	incidentsFile       = "incidents.jsonl"
	decisionsFile       = "decisions.jsonl"
	acknowledgmentsFile = "acknowledgments.jsonl"
)

// Options narrows a read: Limit caps the number of entries returned,
// Since drops entries whose timestamp field predates it. Zero values
// mean unbounded.
type Options struct {
	Limit int
	Since time.Time
}

// Acknowledgment records that an incident was acknowledged by an
// executed action.
type Acknowledgment struct {
	IncidentID     string    `json:"incident_id"`
	ActionID       string    `json:"action_id"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// Store is the append-only JSONL audit trail.
type Store struct {
	dir string

	mu  sync.Mutex
	log *slog.Logger
}

// NewStore opens (and creates if needed) the audit directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	s := &Store{
		dir: dir,
		log: slog.Default().With("component", "audit"),
	}
	s.log.Info("audit store initialized", "dir", dir)
	return s, nil
}

// AppendEvent stores a raw event contract.
func (s *Store) AppendEvent(raw []byte) error {
	return s.append(eventsFile, raw)
}

// AppendIncident stores a raw incident contract.
func (s *Store) AppendIncident(raw []byte) error {
	return s.append(incidentsFile, raw)
}

// AppendDecision stores a raw decision contract.
func (s *Store) AppendDecision(raw []byte) error {
	return s.append(decisionsFile, raw)
}

// Acknowledge records an incident acknowledgement. Satisfies the
// commander's audit hook.
func (s *Store) Acknowledge(incidentID, actionID string, at time.Time) error {
	raw, err := json.Marshal(Acknowledgment{
		IncidentID:     incidentID,
		ActionID:       actionID,
		AcknowledgedAt: at.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal acknowledgment: %w", err)
	}
	return s.append(acknowledgmentsFile, raw)
}

// append writes one compacted JSON line. Entries must already be valid
// JSON objects; the trail stores them verbatim.
func (s *Store) append(name string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", name, err)
	}
	return nil
}

// ReadEvents returns stored events, oldest first.
func (s *Store) ReadEvents(opts Options) ([]map[string]any, error) {
	return s.read(eventsFile, "timestamp", opts)
}

// ReadIncidents returns stored incidents, oldest first.
func (s *Store) ReadIncidents(opts Options) ([]map[string]any, error) {
	return s.read(incidentsFile, "timestamp", opts)
}

// ReadDecisions returns stored decisions, oldest first.
func (s *Store) ReadDecisions(opts Options) ([]map[string]any, error) {
	return s.read(decisionsFile, "timestamp", opts)
}

// ReadAcknowledgments returns stored acknowledgements, oldest first.
func (s *Store) ReadAcknowledgments(opts Options) ([]Acknowledgment, error) {
	entries, err := s.read(acknowledgmentsFile, "acknowledged_at", opts)
	if err != nil {
		return nil, err
	}
	acks := make([]Acknowledgment, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		var ack Acknowledgment
		if err := json.Unmarshal(raw, &ack); err != nil {
			continue
		}
		acks = append(acks, ack)
	}
	return acks, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents() (int, error) { return s.count(eventsFile) }

// CountIncidents returns the number of stored incidents.
func (s *Store) CountIncidents() (int, error) { return s.count(incidentsFile) }

// CountDecisions returns the number of stored decisions.
func (s *Store) CountDecisions() (int, error) { return s.count(decisionsFile) }

func (s *Store) read(name, tsField string, opts Options) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt entry in %s: %w", name, err)
		}

		if !opts.Since.IsZero() {
			ts, _ := entry[tsField].(string)
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err != nil || parsed.Before(opts.Since) {
				continue
			}
		}

		entries = append(entries, entry)
		if opts.Limit > 0 && len(entries) >= opts.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	return entries, nil
}

func (s *Store) count(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", name, err)
	}
	return n, nil
}
