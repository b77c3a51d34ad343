package reducer

import (
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Mode selects which of the two state-tag sequences of spec §4.I a
// Dispatcher call is operating in.
type Mode string

const (
	ModeBackup   Mode = "backup"
	ModeRecovery Mode = "recovery"
)

// State is the reducer's dynamic, schemaless JSON value (spec §9:
// "the wire JSON schema is the contract, not any in-memory
// representation"). Field access goes through the typed get/set
// helpers below so a missing or wrong-typed field always surfaces as
// reducer-state-invalid rather than a Go panic.
type State map[string]any

func cloneState(s State) State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func tagField(mode Mode) string {
	if mode == ModeRecovery {
		return "recovery_state"
	}
	return "backup_state"
}

func stateTag(mode Mode, s State) (string, *Error) {
	v, ok := s[tagField(mode)]
	if !ok {
		return "", errStateInvalid("missing " + tagField(mode))
	}
	tag, ok := v.(string)
	if !ok {
		return "", errStateInvalid(tagField(mode) + " is not a string")
	}
	return tag, nil
}

func setTag(mode Mode, s State, tag string) {
	s[tagField(mode)] = tag
}

// argString / argMap / argStringSlice pull a required argument out of
// the action's argument map, surfacing reducer-input-invalid on any
// mismatch instead of panicking (spec §4.I).
func argString(args map[string]any, key string) (string, *Error) {
	v, ok := args[key]
	if !ok {
		return "", errInputInvalid("missing argument: " + key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errInputInvalid("argument " + key + " must be a string")
	}
	return s, nil
}

func argOptString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argMap(args map[string]any, key string) (map[string]any, *Error) {
	v, ok := args[key]
	if !ok {
		return nil, errInputInvalid("missing argument: " + key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errInputInvalid("argument " + key + " must be an object")
	}
	return m, nil
}

func argStringSlice(args map[string]any, key string) ([]string, *Error) {
	v, ok := args[key]
	if !ok {
		return nil, errInputInvalid("missing argument: " + key)
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, errInputInvalid("argument " + key + " must be an array")
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, errInputInvalid("argument " + key + " must be an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

// stateMap pulls a required object field from state,
// surfacing reducer-state-invalid (a programming error, per spec §7)
// rather than reducer-input-invalid.
func stateMap(s State, key string) (map[string]any, *Error) {
	v, ok := s[key]
	if !ok {
		return nil, errStateInvalid("missing state field: " + key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errStateInvalid("state field " + key + " is not an object")
	}
	return m, nil
}

// MarshalCanonical implements the determinism contract of spec §8
// testable property 10: repeated application of the same (state,
// action, args) yields byte-identical state JSON once key ordering is
// canonicalized. It reuses gowebpki/jcs, the same RFC 8785 transform
// the sharer applies to the recovery document before framing it.
func (s State) MarshalCanonical() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return raw, nil
	}
	return canon, nil
}

// UnmarshalState parses a persisted or externally-produced state blob
// back into a State value.
func UnmarshalState(raw []byte) (State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}
