package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
)

// Partial is an update request: one raw JSON object per touched section,
// keyed by the section names in spec §3/§6.
type Partial map[string]json.RawMessage

// Store is the configuration store (C9). It owns the live tree and the
// bounded change history; every other component reads it only through
// Get (a deep copy) and is notified of changes only through the bus, never
// through a stored reference to the Store's internals -- copy-on-write on
// update, immutable snapshots on read, no module-level singleton, per the
// design notes ("Shared mutable state" in spec §9).
type Store struct {
	mu      sync.RWMutex
	current Config
	history *changeLog
	bus     *bus.Bus
}

// New returns a Store seeded with defaults and backed by the given bus for
// change notifications. maxHistorySize bounds the ConfigChangeLog.
func New(b *bus.Bus, maxHistorySize int) *Store {
	return &Store{
		current: Default(),
		history: newChangeLog(maxHistorySize),
		bus:     b,
	}
}

// Get returns a deep copy of the current tree. Two immediate calls after
// an accepted update return equal trees (spec §8 universal invariant), and
// no caller ever observes a value reachable from the Store's own fields.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// History returns a copy of the bounded change log, oldest first.
func (s *Store) History() []ChangeLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.snapshot()
}

// Update validates and deep-merges the touched sections atomically: either
// every touched section is merged and committed, or none are (spec §4.9
// step 1, "If any errors -> reject the whole update"). A rejected update is
// reported as ValidationResult{Valid:false, ...}, not a Go error -- the
// store itself only returns an error for a touched-but-unknown section
// name or a section whose JSON does not decode into that section's type,
// both caller bugs rather than data validation failures.
func (s *Store) Update(partial Partial, source Source) (ValidationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	touched := make([]string, 0, len(partial))
	for name, raw := range partial {
		if !isSectionName(name) {
			return ValidationResult{}, fmt.Errorf("config: unknown section %q", name)
		}
		if err := mergeSection(&next, name, raw); err != nil {
			return ValidationResult{}, fmt.Errorf("config: decode section %q: %w", name, err)
		}
		touched = append(touched, name)
	}

	var errs, warns []string
	for _, name := range touched {
		e, w := validateSection(name, next)
		errs = append(errs, e...)
		warns = append(warns, w...)
	}

	if len(errs) > 0 {
		result := ValidationResult{Valid: false, Errors: errs, Warnings: warns}
		s.bus.Publish(bus.Event{Kind: "validation_failed", Data: result})
		return result, nil
	}

	old := s.current.clone()
	s.current = next
	now := time.Now().UTC()

	for _, name := range touched {
		s.history.append(ChangeLogEntry{
			Section:   name,
			Old:       sectionValue(old, name),
			New:       sectionValue(next, name),
			Source:    source,
			Timestamp: now,
		})
		s.bus.Publish(bus.Event{Kind: "section_changed", Data: ChangeLogEntry{
			Section: name, Old: sectionValue(old, name), New: sectionValue(next, name),
			Source: source, Timestamp: now,
		}})
	}
	s.bus.Publish(bus.Event{Kind: "updated", Data: UpdatedEvent{Old: old, New: next.clone()}})

	return ValidationResult{Valid: true, Warnings: warns}, nil
}

// UpdatedEvent is published once per accepted Update call, carrying
// consistent before/after snapshots so a subscriber never observes a
// spliced mix of old and new state.
type UpdatedEvent struct {
	Old Config
	New Config
}

// Export serializes the current tree. A configuration export is the only
// form of "persisted state" this module produces (spec §6), and it is
// always a full snapshot, never partial.
func (s *Store) Export() ([]byte, error) {
	return json.MarshalIndent(s.Get(), "", "  ")
}

// Import parses a full tree and delegates to Update as though every
// section were touched, so the same validation and change-log path is
// exercised. JSON parse errors are reported as validation errors, never as
// a panic or an error crossing the API boundary (spec §4.9).
func (s *Store) Import(data []byte, source Source) (ValidationResult, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ValidationResult{Valid: false, Errors: []string{"malformed configuration: " + err.Error()}}, nil
	}

	partial := make(Partial, len(sectionNames))
	for _, name := range sectionNames {
		raw, err := json.Marshal(sectionValue(cfg, name))
		if err != nil {
			return ValidationResult{Valid: false, Errors: []string{"malformed configuration: " + err.Error()}}, nil
		}
		partial[name] = raw
	}
	return s.Update(partial, source)
}

// ResetToDefaults replaces the tree with the frozen default and records it
// as a single change-log entry per section.
func (s *Store) ResetToDefaults(source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.clone()
	s.current = Default()
	now := time.Now().UTC()

	for _, name := range sectionNames {
		s.history.append(ChangeLogEntry{
			Section: name, Old: sectionValue(old, name), New: sectionValue(s.current, name),
			Source: source, Timestamp: now,
		})
	}
	s.bus.Publish(bus.Event{Kind: "updated", Data: UpdatedEvent{Old: old, New: s.current.clone()}})
}

func isSectionName(name string) bool {
	for _, n := range sectionNames {
		if n == name {
			return true
		}
	}
	return false
}

func mergeSection(cfg *Config, name string, raw json.RawMessage) error {
	switch name {
	case "thread_manager":
		return json.Unmarshal(raw, &cfg.ThreadManager)
	case "health_monitor":
		return json.Unmarshal(raw, &cfg.HealthMonitor)
	case "restart_manager":
		return json.Unmarshal(raw, &cfg.RestartManager)
	case "error_handler":
		return json.Unmarshal(raw, &cfg.ErrorHandler)
	case "message_queue":
		return json.Unmarshal(raw, &cfg.MessageQueue)
	case "worker":
		return json.Unmarshal(raw, &cfg.Worker)
	default:
		return fmt.Errorf("unknown section %q", name)
	}
}

func sectionValue(cfg Config, name string) any {
	switch name {
	case "thread_manager":
		return cfg.ThreadManager
	case "health_monitor":
		return cfg.HealthMonitor
	case "restart_manager":
		return cfg.RestartManager
	case "error_handler":
		return cfg.ErrorHandler
	case "message_queue":
		return cfg.MessageQueue
	case "worker":
		return cfg.Worker
	default:
		return nil
	}
}
