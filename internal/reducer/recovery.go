package reducer

import (
	"context"
	"encoding/base64"

	"github.com/anastasis-go/anastasis/internal/challenge"
	"github.com/anastasis-go/anastasis/internal/crypto"
	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/recovery"
)

const defaultChallengeTimeoutMS = 30000

// recoveryHandlers implements the recovery half of spec §4.I:
// CONTINENT_SELECTING -> COUNTRY_SELECTING -> USER_ATTRIBUTES_COLLECTING
// -> SECRET_SELECTING -> CHALLENGE_SELECTING <-> {CHALLENGE_PAYING,
// CHALLENGE_SOLVING} -> RECOVERY_FINISHED.
func recoveryHandlers() map[string]map[string]Handler {
	return map[string]map[string]Handler{
		"CONTINENT_SELECTING": {
			"select_continent": recoverySelectContinent,
		},
		"COUNTRY_SELECTING": {
			"select_country": recoverySelectCountry,
		},
		"USER_ATTRIBUTES_COLLECTING": {
			"enter_user_attributes": recoveryEnterUserAttributes,
		},
		"SECRET_SELECTING": {
			"select_secret": selectSecret,
		},
		"CHALLENGE_SELECTING": {
			"select_challenge": selectChallenge,
		},
		"CHALLENGE_PAYING": {
			"pay": payChallenge,
		},
		"CHALLENGE_SOLVING": {
			"answer":         answerChallenge,
			"answer_numeric": answerChallengeNumeric,
			"poll":           pollChallenge,
		},
	}
}

func recoverySelectContinent(_ context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	continent, aerr := argString(args, "continent")
	if aerr != nil {
		return state, aerr
	}
	if _, ok := sess.Countries[continent]; !ok {
		return state, errInputInvalid("unknown continent: " + continent)
	}
	state["selected_continent"] = continent
	setTag(ModeRecovery, state, "COUNTRY_SELECTING")
	return state, nil
}

func recoverySelectCountry(_ context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	code, aerr := argString(args, "country_code")
	if aerr != nil {
		return state, aerr
	}
	continent, ok := state["selected_continent"].(string)
	if !ok {
		return state, errStateInvalid("missing state field: selected_continent")
	}
	found := false
	for _, c := range sess.Countries[continent] {
		if c.Code == code {
			found = true
			state["currency"] = c.Currency
			break
		}
	}
	if !found {
		return state, errInputInvalid("country " + code + " not in continent " + continent)
	}
	state["selected_country"] = code
	setTag(ModeRecovery, state, "USER_ATTRIBUTES_COLLECTING")
	return state, nil
}

func recoveryEnterUserAttributes(_ context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	attrs, aerr := argMap(args, "identity_attributes")
	if aerr != nil {
		return state, aerr
	}
	strAttrs := make(map[string]string, len(attrs))
	for k, v := range attrs {
		s, ok := v.(string)
		if !ok {
			return state, errInputInvalid("identity_attributes." + k + " must be a string")
		}
		strAttrs[k] = s
	}

	continent, _ := state["selected_continent"].(string)
	code, _ := state["selected_country"].(string)
	for _, c := range sess.Countries[continent] {
		if c.Code != code || c.Validator == "" {
			continue
		}
		for _, attr := range c.Attributes {
			val, present := strAttrs[attr]
			if !present {
				continue
			}
			if ok, known := sess.Validators.Validate(c.Validator, val); known && !ok {
				return state, errInputInvalid(attr + " failed validation for " + c.Validator)
			}
		}
	}

	state["identity_attributes"] = encodeAny(strAttrs)
	setTag(ModeRecovery, state, "SECRET_SELECTING")
	return state, nil
}

// recoveryFailureCode maps a recovery.FailureKind to one of the
// reducer's own closed error codes, per spec §4.F step 6.
func recoveryFailureCode(k recovery.FailureKind) int {
	switch k {
	case recovery.FailurePolicyDownloadFailed:
		return CodeNetworkFailed
	case recovery.FailurePolicyNotFound:
		return CodePolicyUnknown
	case recovery.FailurePolicyExpired:
		return CodePolicyGone
	case recovery.FailureDocumentTooBig:
		return CodePolicyTooBig
	case recovery.FailureBadCompression:
		return CodePolicyBadCompression
	case recovery.FailureNotJSON:
		return CodePolicyNoJSON
	case recovery.FailureMalformedJSON:
		return CodePolicyMalformed
	default:
		return CodePolicyLookupFailed
	}
}

// selectSecret implements spec §4.F steps 1-4: download and
// materialize the recovery document for provider_url, wiring a fresh
// recovery.Driver into sess for the rest of the flow to drive. Both
// of the driver's callbacks run synchronously inside Download, so by
// the time it returns either the challenge list or a failure is
// already known.
func selectSecret(ctx context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	providerURL, aerr := argString(args, "provider_url")
	if aerr != nil {
		return state, aerr
	}
	var version uint64
	if v, ok := args["version"].(float64); ok {
		version = uint64(v)
	}

	cfg, err := sess.Catalog.Probe(ctx, providerURL)
	if err != nil {
		return state, &Error{Code: CodeNetworkFailed, Hint: "provider probe failed", Detail: err.Error()}
	}
	attrs := decodeIdentityAttributes(state)
	userID := crypto.DeriveUserIdentifier(attrs, cfg.Salt)

	var challenges []model.Challenge
	var failure *Error
	sess.RecoveryResult = nil
	sess.Driver = recovery.New(sess.Client, userID,
		func(c []model.Challenge) { challenges = c },
		func(res recovery.CoreSecretResult) {
			if res.Failure != nil {
				failure = &Error{Code: recoveryFailureCode(*res.Failure), Hint: "recovery document download failed", Detail: res.Detail}
				return
			}
			r := res
			sess.RecoveryResult = &r
		},
	)
	sess.Driver.Download(ctx, providerURL, version)

	if failure != nil {
		return state, failure
	}
	if len(challenges) == 0 {
		return state, errStateInvalid("recovery document carries no escrow methods")
	}

	state["provider_url"] = providerURL
	state["challenges"] = encodeAny(challenges)
	setTag(ModeRecovery, state, "CHALLENGE_SELECTING")
	return state, nil
}

// refreshChallenges re-reads the driver's current challenge snapshot
// into state, and promotes to RECOVERY_FINISHED if the driver's
// core-secret callback has already fired for this session.
func refreshChallenges(sess *Session, state State) {
	if sess.Driver != nil {
		state["challenges"] = encodeAny(sess.Driver.Challenges())
	}
	if sess.RecoveryResult != nil && sess.RecoveryResult.Secret != nil {
		state["core_secret"] = base64.StdEncoding.EncodeToString(sess.RecoveryResult.Secret)
		setTag(ModeRecovery, state, "RECOVERY_FINISHED")
	}
}

func selectChallenge(ctx context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	idxF, ok := args["challenge_index"].(float64)
	if !ok {
		return state, errInputInvalid("argument challenge_index must be a number")
	}
	if sess.Driver == nil {
		return state, errStateInvalid("no recovery document loaded")
	}
	runner := sess.Driver.Runner(int(idxF))
	if runner == nil {
		return state, errInputInvalid("challenge index out of range")
	}
	state["selected_challenge_index"] = int(idxF)

	err := runner.Start(ctx, defaultChallengeTimeoutMS)
	return settleChallengeOutcome(sess, state, runner, err)
}

func payChallenge(ctx context.Context, sess *Session, state State, _ map[string]any) (State, *Error) {
	idx, ok := state["selected_challenge_index"].(int)
	if !ok {
		if f, ok := state["selected_challenge_index"].(float64); ok {
			idx = int(f)
		} else {
			return state, errStateInvalid("missing state field: selected_challenge_index")
		}
	}
	if sess.Driver == nil {
		return state, errStateInvalid("no recovery document loaded")
	}
	runner := sess.Driver.Runner(idx)
	if runner == nil {
		return state, errStateInvalid("selected_challenge_index out of range")
	}
	// The provider's payment confirmation happens out of band (the
	// user completes it in a wallet); retrying Start here is the only
	// way the reducer has to find out whether it has landed.
	err := runner.Start(ctx, defaultChallengeTimeoutMS)
	return settleChallengeOutcome(sess, state, runner, err)
}

func answerChallenge(ctx context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	answer, aerr := argString(args, "answer")
	if aerr != nil {
		return state, aerr
	}
	runner, derr := currentChallengeRunner(sess, state)
	if derr != nil {
		return state, derr
	}
	err := runner.Answer(ctx, answer, defaultChallengeTimeoutMS)
	return settleChallengeOutcome(sess, state, runner, err)
}

func answerChallengeNumeric(ctx context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	codeF, ok := args["code"].(float64)
	if !ok {
		return state, errInputInvalid("argument code must be a number")
	}
	runner, derr := currentChallengeRunner(sess, state)
	if derr != nil {
		return state, derr
	}
	err := runner.AnswerNumeric(ctx, uint64(codeF), defaultChallengeTimeoutMS)
	return settleChallengeOutcome(sess, state, runner, err)
}

func pollChallenge(ctx context.Context, sess *Session, state State, _ map[string]any) (State, *Error) {
	runner, derr := currentChallengeRunner(sess, state)
	if derr != nil {
		return state, derr
	}
	err := runner.Poll(ctx)
	return settleChallengeOutcome(sess, state, runner, err)
}

func currentChallengeRunner(sess *Session, state State) (*challenge.Runner, *Error) {
	idxRaw, ok := state["selected_challenge_index"]
	if !ok {
		return nil, errStateInvalid("missing state field: selected_challenge_index")
	}
	var idx int
	switch v := idxRaw.(type) {
	case float64:
		idx = int(v)
	case int:
		idx = v
	default:
		return nil, errStateInvalid("selected_challenge_index is not a number")
	}
	if sess.Driver == nil {
		return nil, errStateInvalid("no recovery document loaded")
	}
	runner := sess.Driver.Runner(idx)
	if runner == nil {
		return nil, errStateInvalid("selected_challenge_index out of range")
	}
	return runner, nil
}

// settleChallengeOutcome translates one challenge.Runner dispatch
// call's resulting State into the recovery state tag it implies.
// dispatchErr is the error challenge.Runner's own methods return;
// most of its failure states (rate limited, auth timeout, rejected)
// are recoverable by the user picking a different challenge rather
// than fatal to the whole recovery, so they fold back to
// CHALLENGE_SELECTING with the detail recorded for display instead of
// surfacing as a reducer *Error.
func settleChallengeOutcome(sess *Session, state State, runner *challenge.Runner, dispatchErr error) (State, *Error) {
	refreshChallenges(sess, state)
	if tag, _ := stateTag(ModeRecovery, state); tag == "RECOVERY_FINISHED" {
		return state, nil
	}

	switch runner.State() {
	case challenge.StatePaymentRequired:
		state["challenge_pay_uri"] = runner.PayURI()
		setTag(ModeRecovery, state, "CHALLENGE_PAYING")
	case challenge.StateAwaitExternal:
		setTag(ModeRecovery, state, "CHALLENGE_SOLVING")
	case challenge.StateAwaitRedirect:
		state["challenge_redirect_url"] = runner.RedirectURL()
		setTag(ModeRecovery, state, "CHALLENGE_SOLVING")
	case challenge.StateNeedUserInput:
		state["challenge_instructions"] = runner.Instructions()
		setTag(ModeRecovery, state, "CHALLENGE_SOLVING")
	case challenge.StatePending:
		setTag(ModeRecovery, state, "CHALLENGE_SOLVING")
	case challenge.StateSolved:
		delete(state, "challenge_pay_uri")
		delete(state, "challenge_redirect_url")
		delete(state, "challenge_instructions")
		setTag(ModeRecovery, state, "CHALLENGE_SELECTING")
	default: // StateFailed, StateFailedAsync, or anything else
		if dispatchErr != nil {
			state["last_challenge_error"] = dispatchErr.Error()
		}
		setTag(ModeRecovery, state, "CHALLENGE_SELECTING")
	}
	return state, nil
}
