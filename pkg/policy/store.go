// Package policy loads the action safety policies: the SAFE and RISKY
// action sets, per-action cooldowns, and the autonomy level capability
// table. Policies are the single source of truth for SAFE vs RISKY
// classification and are read once at startup.
package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orion-ops/orion/pkg/contracts"
)

type safeActionEntry struct {
	ActionType          string `yaml:"action_type"`
	Description         string `yaml:"description"`
	Reversible          bool   `yaml:"reversible"`
	ExternalSideEffects bool   `yaml:"external_side_effects"`
	MaxFrequency        string `yaml:"max_frequency,omitempty"`
	Justification       string `yaml:"justification"`
}

type riskyActionEntry struct {
	ActionType          string `yaml:"action_type"`
	Description         string `yaml:"description"`
	Reversible          bool   `yaml:"reversible"`
	ExternalSideEffects bool   `yaml:"external_side_effects"`
	BlastRadius         string `yaml:"blast_radius"`
	Justification       string `yaml:"justification"`
	RequiresApproval    bool   `yaml:"requires_approval"`
}

type cooldownEntry struct {
	ActionType string `yaml:"action_type"`
	Cooldown   string `yaml:"cooldown"`
}

type safeFile struct {
	SafeActions []safeActionEntry `yaml:"safe_actions"`
}

type riskyFile struct {
	RiskyActions []riskyActionEntry `yaml:"risky_actions"`
}

type cooldownFile struct {
	ActionCooldowns []cooldownEntry `yaml:"action_cooldowns"`
	Defaults        struct {
		Cooldown              string `yaml:"cooldown,omitempty"`
		CircuitBreakerEnabled bool   `yaml:"circuit_breaker_enabled"`
	} `yaml:"defaults"`
}

// LevelCaps describes what an autonomy level permits.
type LevelCaps struct {
	AllowSafeActions  bool `yaml:"allow_safe_actions"`
	AllowRiskyActions bool `yaml:"allow_risky_actions"`
}

type approvalsFile struct {
	AutonomyLevels      map[string]LevelCaps `yaml:"autonomy_levels"`
	TimeoutBehavior     string               `yaml:"timeout_behavior"`
	ApprovalPersistence bool                 `yaml:"approval_persistence"`
}

// Store holds the loaded policy snapshot. It is immutable after Load and
// safe for concurrent readers.
type Store struct {
	safe           map[string]struct{}
	risky          map[string]struct{}
	cooldowns      map[string]time.Duration
	levels         map[string]LevelCaps
	circuitBreaker bool
}

// Load reads the policy files from dir. Any failure returns an empty,
// fail-closed store (no action executable, no cooldowns) together with
// the error so callers can log it.
func Load(dir string) (*Store, error) {
	s := empty()

	var safe safeFile
	if err := readYAML(filepath.Join(dir, "actions_safe.yaml"), &safe); err != nil {
		return empty(), fmt.Errorf("load safe actions: %w", err)
	}
	for _, a := range safe.SafeActions {
		s.safe[a.ActionType] = struct{}{}
	}

	var risky riskyFile
	if err := readYAML(filepath.Join(dir, "actions_risky.yaml"), &risky); err != nil {
		return empty(), fmt.Errorf("load risky actions: %w", err)
	}
	for _, a := range risky.RiskyActions {
		s.risky[a.ActionType] = struct{}{}
	}

	var cooldowns cooldownFile
	if err := readYAML(filepath.Join(dir, "cooldowns.yaml"), &cooldowns); err != nil {
		return empty(), fmt.Errorf("load cooldowns: %w", err)
	}
	for _, c := range cooldowns.ActionCooldowns {
		d, err := ParseDuration(c.Cooldown)
		if err != nil {
			return empty(), fmt.Errorf("cooldown for %s: %w", c.ActionType, err)
		}
		s.cooldowns[c.ActionType] = d
	}
	s.circuitBreaker = cooldowns.Defaults.CircuitBreakerEnabled

	var approvals approvalsFile
	if err := readYAML(filepath.Join(dir, "approvals.yaml"), &approvals); err != nil {
		return empty(), fmt.Errorf("load approvals config: %w", err)
	}
	s.levels = approvals.AutonomyLevels

	slog.Default().With("component", "policy").Info("policies loaded",
		"safe", len(s.safe), "risky", len(s.risky), "cooldowns", len(s.cooldowns))
	return s, nil
}

func empty() *Store {
	return &Store{
		safe:      make(map[string]struct{}),
		risky:     make(map[string]struct{}),
		cooldowns: make(map[string]time.Duration),
		levels:    make(map[string]LevelCaps),
	}
}

// Empty returns a fail-closed store with no executable actions.
func Empty() *Store { return empty() }

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// ParseDuration parses a policy duration of the form "60s", "5m", "1h",
// or a bare integer number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit := time.Second
	num := s
	switch {
	case strings.HasSuffix(s, "h"):
		unit = time.Hour
		num = strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "m"):
		unit = time.Minute
		num = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "s"):
		num = strings.TrimSuffix(s, "s")
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return time.Duration(n) * unit, nil
}

// IsSafe reports whether the action type is in the SAFE set.
func (s *Store) IsSafe(actionType string) bool {
	_, ok := s.safe[actionType]
	return ok
}

// IsRisky reports whether the action type is in the RISKY set.
func (s *Store) IsRisky(actionType string) bool {
	_, ok := s.risky[actionType]
	return ok
}

// Classify returns SAFE, RISKY, or UNKNOWN for an action type.
// Membership in neither set is UNKNOWN, which callers treat as RISKY.
func (s *Store) Classify(actionType string) string {
	switch {
	case s.IsSafe(actionType):
		return contracts.ClassificationSafe
	case s.IsRisky(actionType):
		return contracts.ClassificationRisky
	default:
		return contracts.ClassificationUnknown
	}
}

// Cooldown returns the configured cooldown for an action type.
func (s *Store) Cooldown(actionType string) (time.Duration, bool) {
	d, ok := s.cooldowns[actionType]
	return d, ok
}

// SafeActions returns a copy of the SAFE action set.
func (s *Store) SafeActions() []string {
	out := make([]string, 0, len(s.safe))
	for a := range s.safe {
		out = append(out, a)
	}
	return out
}

// RiskyActions returns a copy of the RISKY action set.
func (s *Store) RiskyActions() []string {
	out := make([]string, 0, len(s.risky))
	for a := range s.risky {
		out = append(out, a)
	}
	return out
}

// AutonomyLevels returns the capability table from the approvals config.
func (s *Store) AutonomyLevels() map[string]LevelCaps {
	out := make(map[string]LevelCaps, len(s.levels))
	for k, v := range s.levels {
		out[k] = v
	}
	return out
}

// CircuitBreakerEnabled reports the global circuit breaker flag.
func (s *Store) CircuitBreakerEnabled() bool { return s.circuitBreaker }
