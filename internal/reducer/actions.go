package reducer

import (
	"context"

	"github.com/anastasis-go/anastasis/internal/model"
)

// backupPredecessor / recoveryPredecessor are the linear predecessor chains of
// spec §4.I. The payment sub-states fold back to the state that can
// re-enter them (SECRET_EDITING, CHALLENGE_SELECTING) rather than to
// each other, since they are entered and left any number of times.
var backupPredecessor = map[string]string{
	"COUNTRY_SELECTING":            "CONTINENT_SELECTING",
	"USER_ATTRIBUTES_COLLECTING":   "COUNTRY_SELECTING",
	"AUTHENTICATIONS_EDITING":      "USER_ATTRIBUTES_COLLECTING",
	"POLICIES_REVIEWING":           "AUTHENTICATIONS_EDITING",
	"SECRET_EDITING":               "POLICIES_REVIEWING",
	"TRUTHS_PAYING":                "SECRET_EDITING",
	"POLICIES_PAYING":              "SECRET_EDITING",
}

var recoveryPredecessor = map[string]string{
	"COUNTRY_SELECTING":          "CONTINENT_SELECTING",
	"USER_ATTRIBUTES_COLLECTING": "COUNTRY_SELECTING",
	"SECRET_SELECTING":           "USER_ATTRIBUTES_COLLECTING",
	"CHALLENGE_SELECTING":        "SECRET_SELECTING",
	"CHALLENGE_PAYING":           "CHALLENGE_SELECTING",
	"CHALLENGE_SOLVING":          "CHALLENGE_SELECTING",
}

// backAction implements the universal "back" action of spec §4.I:
// every non-initial, non-terminal state accepts it and moves to its
// predecessor, discarding nothing the predecessor state didn't
// already own.
func backAction(mode Mode, state State) (State, *Error) {
	tag, err := stateTag(mode, state)
	if err != nil {
		return state, err
	}
	pred := backupPredecessor
	if mode == ModeRecovery {
		pred = recoveryPredecessor
	}
	prev, ok := pred[tag]
	if !ok {
		return state, errActionInvalid("back not valid in state " + tag)
	}
	out := cloneState(state)
	setTag(mode, out, prev)
	return out, nil
}

// afterAuthentications reports whether tag is at or past the point in
// the backup sequence where authentication methods (and therefore
// planner output) exist, per spec §4.I's note that add_provider only
// re-runs the planner once there is something to re-plan.
func afterAuthentications(tag string) bool {
	switch tag {
	case "AUTHENTICATIONS_EDITING", "POLICIES_REVIEWING", "SECRET_EDITING", "TRUTHS_PAYING", "POLICIES_PAYING", "BACKUP_FINISHED":
		return true
	default:
		return false
	}
}

// addProviderAction implements the universal "add_provider" action of
// spec §4.I: splice an extra provider URL into the catalog and, in
// backup mode once authentication methods are known, re-run the
// planner so the new provider is considered.
func addProviderAction(ctx context.Context, sess *Session, mode Mode, state State, args map[string]any) (State, *Error) {
	url, aerr := argString(args, "provider_url")
	if aerr != nil {
		return state, aerr
	}

	out := cloneState(state)
	urls, _ := out["providers"].([]any)
	known := false
	for _, u := range urls {
		if s, ok := u.(string); ok && s == url {
			known = true
			break
		}
	}
	if !known {
		urls = append(urls, url)
		out["providers"] = urls
	}

	cfg, err := sess.Catalog.Probe(ctx, url)
	configs, _ := out["provider_configs"].(map[string]any)
	if configs == nil {
		configs = map[string]any{}
	}
	if err != nil {
		configs[url] = encodeAny(model.ProviderConfig{URL: url, Offline: true, InvalidConfigReason: err.Error()})
	} else {
		configs[url] = encodeAny(cfg)
	}
	out["provider_configs"] = configs

	if mode != ModeBackup {
		return out, nil
	}
	tag, terr := stateTag(mode, out)
	if terr != nil || !afterAuthentications(tag) {
		return out, nil
	}
	return rerunPlanner(out)
}

// rerunPlanner re-derives out["policies"] from out["authentication_methods"]
// and out["provider_configs"], the same computation AUTHENTICATIONS_EDITING's
// "next" action performs, so that adding a provider mid-backup is
// equivalent to having had it in the catalog from the start.
func rerunPlanner(out State) (State, *Error) {
	methods, methodsErr := decodeAuthMethods(out)
	if methodsErr != nil {
		// No methods entered yet: nothing to plan, leave state untouched.
		return out, nil
	}
	catalog := decodeProviderConfigs(out)
	suggestions := planSuggestions(methods, catalog)
	out["policies"] = encodeAny(suggestions)
	return out, nil
}
