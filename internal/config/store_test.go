package config

import (
	"encoding/json"
	"testing"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/google/go-cmp/cmp"
)

func TestUpdateRejectsInvalidHealthCheckTimeout(t *testing.T) {
	s := New(bus.New(), 100)

	result, err := s.Update(Partial{
		"health_monitor": json.RawMessage(`{"timeoutMs":50}`),
	}, SourceAPI)
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected invalid result")
	}
	if len(result.Errors) != 1 || result.Errors[0] != "healthCheckTimeout must be at least 100 ms" {
		t.Fatalf("errors = %v, want exactly the healthCheckTimeout message", result.Errors)
	}

	// current config and history are unchanged
	if s.Get().HealthMonitor.TimeoutMS == 50 {
		t.Fatalf("config was mutated despite rejection")
	}
	if len(s.History()) != 0 {
		t.Fatalf("history should be empty after a rejected update")
	}
}

func TestUpdateMergesOnlyTouchedFields(t *testing.T) {
	s := New(bus.New(), 100)
	before := s.Get().HealthMonitor.IntervalMS

	result, err := s.Update(Partial{
		"health_monitor": json.RawMessage(`{"maxMissedChecks":9}`),
	}, SourceAPI)
	if err != nil || !result.Valid {
		t.Fatalf("Update: %v / %+v", err, result)
	}

	got := s.Get().HealthMonitor
	if got.MaxMissedChecks != 9 {
		t.Fatalf("MaxMissedChecks = %d, want 9", got.MaxMissedChecks)
	}
	if got.IntervalMS != before {
		t.Fatalf("IntervalMS changed to %d, want unchanged %d", got.IntervalMS, before)
	}
}

func TestUpdateDeepMergesMaps(t *testing.T) {
	s := New(bus.New(), 100)

	result, err := s.Update(Partial{
		"message_queue": json.RawMessage(`{"maxSizePerPriority":{"LOW":1}}`),
	}, SourceAPI)
	if err != nil || !result.Valid {
		t.Fatalf("Update: %v / %+v", err, result)
	}

	got := s.Get().MessageQueue.MaxSizePerPriority
	if got["LOW"] != 1 {
		t.Fatalf("LOW = %d, want 1", got["LOW"])
	}
	if got["CRITICAL"] != Default().MessageQueue.MaxSizePerPriority["CRITICAL"] {
		t.Fatalf("CRITICAL cap was clobbered by a partial update: %d", got["CRITICAL"])
	}
}

func TestTwoImmediateGetsAfterUpdateAreEqual(t *testing.T) {
	s := New(bus.New(), 100)
	s.Update(Partial{"worker": json.RawMessage(`{"maxMemoryMb":256}`)}, SourceAPI)

	a, b := s.Get(), s.Get()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("two immediate Get() calls differ (-a +b):\n%s", diff)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := New(bus.New(), 100)
	s.Update(Partial{"worker": json.RawMessage(`{"maxMemoryMb":777}`)}, SourceAPI)

	data, err := s.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	s2 := New(bus.New(), 100)
	result, err := s2.Import(data, SourceFile)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !result.Valid {
		t.Fatalf("Import rejected: %+v", result)
	}

	if diff := cmp.Diff(s.Get(), s2.Get()); diff != "" {
		t.Fatalf("export/import round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestResetToDefaults(t *testing.T) {
	s := New(bus.New(), 100)
	s.Update(Partial{"worker": json.RawMessage(`{"maxMemoryMb":9999}`)}, SourceAPI)
	s.ResetToDefaults(SourceAPI)

	if diff := cmp.Diff(Default(), s.Get()); diff != "" {
		t.Fatalf("reset mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateUnknownSectionIsError(t *testing.T) {
	s := New(bus.New(), 100)
	_, err := s.Update(Partial{"nope": json.RawMessage(`{}`)}, SourceAPI)
	if err == nil {
		t.Fatalf("expected an error for an unknown section")
	}
}

func TestSectionChangedEventFires(t *testing.T) {
	b := bus.New()
	s := New(b, 100)

	var fired bool
	b.Subscribe("section_changed", func(bus.Event) { fired = true })
	s.Update(Partial{"worker": json.RawMessage(`{"maxMemoryMb":100}`)}, SourceAPI)

	if !fired {
		t.Fatalf("expected section_changed event")
	}
}
