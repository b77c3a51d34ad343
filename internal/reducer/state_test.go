package reducer

import (
	"testing"
)

func TestCloneStateIsAShallowCopyThatDoesNotAliasTheMap(t *testing.T) {
	s := State{"a": "1"}
	clone := cloneState(s)
	clone["a"] = "2"
	if s["a"] != "1" {
		t.Fatalf("mutating the clone's top-level key mutated the original")
	}
}

func TestStateTagAndSetTag(t *testing.T) {
	s := State{}
	if _, err := stateTag(ModeBackup, s); err == nil {
		t.Fatalf("expected an error for a missing backup_state field")
	}
	setTag(ModeBackup, s, "CONTINENT_SELECTING")
	tag, err := stateTag(ModeBackup, s)
	if err != nil {
		t.Fatalf("stateTag: %v", err)
	}
	if tag != "CONTINENT_SELECTING" {
		t.Fatalf("got %q", tag)
	}

	s["recovery_state"] = 42
	if _, err := stateTag(ModeRecovery, s); err == nil {
		t.Fatalf("expected an error for a non-string recovery_state")
	}
}

func TestArgStringArgMapArgStringSlice(t *testing.T) {
	args := map[string]any{
		"name":   "jane",
		"count":  42,
		"attrs":  map[string]any{"k": "v"},
		"tags":   []any{"a", "b"},
		"badTag": []any{"a", 3},
	}

	if _, err := argString(args, "missing"); err == nil {
		t.Fatalf("expected an error for a missing argument")
	}
	if _, err := argString(args, "count"); err == nil {
		t.Fatalf("expected an error for a non-string argument")
	}
	v, err := argString(args, "name")
	if err != nil || v != "jane" {
		t.Fatalf("argString(name) = %q, %v", v, err)
	}

	if s := argOptString(args, "missing"); s != "" {
		t.Fatalf("argOptString(missing) = %q, want empty", s)
	}

	m, err := argMap(args, "attrs")
	if err != nil || m["k"] != "v" {
		t.Fatalf("argMap(attrs) = %v, %v", m, err)
	}
	if _, err := argMap(args, "name"); err == nil {
		t.Fatalf("expected an error treating a string as a map")
	}

	tags, err := argStringSlice(args, "tags")
	if err != nil || len(tags) != 2 || tags[0] != "a" || tags[1] != "b" {
		t.Fatalf("argStringSlice(tags) = %v, %v", tags, err)
	}
	if _, err := argStringSlice(args, "badTag"); err == nil {
		t.Fatalf("expected an error for a non-string array element")
	}
	if _, err := argStringSlice(args, "missing"); err == nil {
		t.Fatalf("expected an error for a missing array argument")
	}
}

func TestStateMap(t *testing.T) {
	s := State{"nested": map[string]any{"x": "1"}, "flat": "not a map"}
	m, err := stateMap(s, "nested")
	if err != nil || m["x"] != "1" {
		t.Fatalf("stateMap(nested) = %v, %v", m, err)
	}
	if _, err := stateMap(s, "flat"); err == nil {
		t.Fatalf("expected an error treating a string as a map")
	}
	if _, err := stateMap(s, "missing"); err == nil {
		t.Fatalf("expected an error for a missing field")
	}
}

func TestMarshalCanonicalIsDeterministicRegardlessOfKeyOrder(t *testing.T) {
	a := State{"b": 2, "a": 1, "backup_state": "CONTINENT_SELECTING"}
	b := State{"backup_state": "CONTINENT_SELECTING", "a": 1, "b": 2}

	rawA, err := a.MarshalCanonical()
	if err != nil {
		t.Fatalf("MarshalCanonical a: %v", err)
	}
	rawB, err := b.MarshalCanonical()
	if err != nil {
		t.Fatalf("MarshalCanonical b: %v", err)
	}
	if string(rawA) != string(rawB) {
		t.Fatalf("canonical encodings differ by key order: %s vs %s", rawA, rawB)
	}
}

func TestUnmarshalStateRoundTrip(t *testing.T) {
	s := State{"backup_state": "CONTINENT_SELECTING", "n": float64(3)}
	raw, err := s.MarshalCanonical()
	if err != nil {
		t.Fatalf("MarshalCanonical: %v", err)
	}
	got, err := UnmarshalState(raw)
	if err != nil {
		t.Fatalf("UnmarshalState: %v", err)
	}
	if got["backup_state"] != "CONTINENT_SELECTING" {
		t.Fatalf("unexpected backup_state: %v", got["backup_state"])
	}
}
