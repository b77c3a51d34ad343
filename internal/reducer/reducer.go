// Package reducer is the Anastasis reducer shell (spec §4.I): a
// dispatcher over (mode, state_tag, action_name) that mutates a
// schemaless JSON state value one action at a time. It contains no
// crypto or networking of its own; every handler calls out to
// internal/crypto, internal/provider, internal/catalog,
// internal/truth, internal/sharer, internal/recovery,
// internal/challenge or internal/planner for actual work, matching
// §1's description of the reducer as a "pure shell".
package reducer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/anastasis-go/anastasis/internal/catalog"
	"github.com/anastasis-go/anastasis/internal/countries"
	"github.com/anastasis-go/anastasis/internal/provider"
	"github.com/anastasis-go/anastasis/internal/recovery"
	"github.com/anastasis-go/anastasis/internal/validation"
)

// Session is the explicit, passed-by-reference context spec §9 calls
// for in place of process-wide globals: every dependency a handler
// might need to reach outside the state value itself. Driver and
// RecoveryResult exist only for the lifetime of one recovery flow:
// neither can round-trip through the JSON State value (a
// recovery.Driver owns live challenge.Runner goroutine cancellation
// state; the core-secret callback stores its CoreSecretResult here,
// and refreshChallenges copies the Secret into State), so Session is where they live
// between the dispatch call that starts a challenge and the one that
// polls or answers it.
type Session struct {
	Client     *provider.Client
	Catalog    *catalog.Catalog
	Countries  countries.Table
	Validators *validation.Registry

	Driver         *recovery.Driver
	RecoveryResult *recovery.CoreSecretResult
}

// Handler implements one (state_tag, action_name) transition.
type Handler func(ctx context.Context, sess *Session, state State, args map[string]any) (State, *Error)

// Dispatcher holds the two-level (state_tag -> action_name) tables
// for each mode, per spec §9's "two-level map" suggestion.
type Dispatcher struct {
	tables          map[Mode]map[string]map[string]Handler
	externalReducer string
}

// New builds a Dispatcher. externalReducer, if non-empty, names a
// binary every action is shelled out to instead of using the built-in
// tables (spec §6 ANASTASIS_EXTERNAL_REDUCER).
func New(externalReducer string) *Dispatcher {
	return &Dispatcher{
		tables: map[Mode]map[string]map[string]Handler{
			ModeBackup:   backupHandlers(),
			ModeRecovery: recoveryHandlers(),
		},
		externalReducer: externalReducer,
	}
}

// Dispatch implements spec §4.I. On success it returns the new state
// with its tag advanced (if the handler transitioned) and a nil
// error; on failure it returns the original, unmodified state and a
// non-nil *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, mode Mode, state State, action string, args map[string]any) (State, *Error) {
	if d.externalReducer != "" {
		return d.dispatchExternal(ctx, mode, state, action, args)
	}

	tag, err := stateTag(mode, state)
	if err != nil {
		return state, err
	}

	if action == "back" {
		return backAction(mode, state)
	}
	if action == "add_provider" {
		return addProviderAction(ctx, sess, mode, state, args)
	}

	stateTable, ok := d.tables[mode]
	if !ok {
		return state, errActionInvalid("unknown mode")
	}
	actions, ok := stateTable[tag]
	if !ok {
		return state, errActionInvalid("no such state: " + tag)
	}
	h, ok := actions[action]
	if !ok {
		return state, errActionInvalid(fmt.Sprintf("action %q not valid in state %q", action, tag))
	}

	newState, derr := h(ctx, sess, cloneState(state), args)
	if derr != nil {
		return state, derr
	}
	return stripCoreSecretIfFinished(mode, newState), nil
}

// stripCoreSecretIfFinished implements spec §4.I "a state carrying
// core_secret, once reached, is stripped of it in the 'finished'
// transition so the secret is not accidentally persisted in session
// snapshots". This only applies to BACKUP_FINISHED: there core_secret
// is the plaintext the caller supplied to enter_secret, already known
// to them and redundant to keep around. RECOVERY_FINISHED is the
// opposite case: core_secret is the driver's *output*, copied into
// state by refreshChallenges once the core-secret callback has
// recorded it in Session.RecoveryResult, as the one way the recovered
// secret reaches the caller, and must survive the transition.
func stripCoreSecretIfFinished(mode Mode, s State) State {
	tag, err := stateTag(mode, s)
	if err != nil {
		return s
	}
	if tag == "BACKUP_FINISHED" {
		delete(s, "core_secret")
	}
	return s
}

// externalRequest / externalResponse are the stdin-JSON / stdout-JSON
// contract of spec §6's ANASTASIS_EXTERNAL_REDUCER.
type externalRequest struct {
	Mode   Mode           `json:"mode"`
	State  State          `json:"state"`
	Action string         `json:"action"`
	Args   map[string]any `json:"arguments"`
}

func (d *Dispatcher) dispatchExternal(ctx context.Context, mode Mode, state State, action string, args map[string]any) (State, *Error) {
	payload, err := json.Marshal(externalRequest{Mode: mode, State: state, Action: action, Args: args})
	if err != nil {
		return state, errStateInvalid("state not serializable: " + err.Error())
	}

	cmd := exec.CommandContext(ctx, d.externalReducer)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = os.Stderr
	out, runErr := cmd.Output()

	var newState State
	if jsonErr := json.Unmarshal(out, &newState); jsonErr != nil {
		return state, errStateInvalid("external reducer did not emit valid JSON: " + jsonErr.Error())
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return state, &Error{Code: exitErr.ExitCode(), Hint: "external reducer exited non-zero"}
		}
		return state, errStateInvalid(runErr.Error())
	}
	return newState, nil
}
