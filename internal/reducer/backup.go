package reducer

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/anastasis-go/anastasis/internal/crypto"
	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/sharer"
	"github.com/anastasis-go/anastasis/internal/truth"
)

// backupHandlers implements the backup half of spec §4.I:
// CONTINENT_SELECTING -> COUNTRY_SELECTING -> USER_ATTRIBUTES_COLLECTING
// -> AUTHENTICATIONS_EDITING -> POLICIES_REVIEWING -> SECRET_EDITING ->
// {TRUTHS_PAYING, POLICIES_PAYING}* -> BACKUP_FINISHED.
func backupHandlers() map[string]map[string]Handler {
	return map[string]map[string]Handler{
		"CONTINENT_SELECTING": {
			"select_continent": selectContinent,
		},
		"COUNTRY_SELECTING": {
			"select_country": selectCountry,
		},
		"USER_ATTRIBUTES_COLLECTING": {
			"enter_user_attributes": enterUserAttributes,
		},
		"AUTHENTICATIONS_EDITING": {
			"add_authentication":    addAuthentication,
			"delete_authentication": deleteAuthentication,
			"next":                  authenticationsNext,
		},
		"POLICIES_REVIEWING": {
			"select_policies": selectPolicies,
			"next":            policiesReviewingNext,
		},
		"SECRET_EDITING": {
			"enter_secret": enterSecretAndShare,
		},
		"TRUTHS_PAYING": {
			"pay": payTruths,
		},
		"POLICIES_PAYING": {
			"pay": payPolicies,
		},
	}
}

func selectContinent(_ context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	continent, aerr := argString(args, "continent")
	if aerr != nil {
		return state, aerr
	}
	if _, ok := sess.Countries[continent]; !ok {
		return state, errInputInvalid("unknown continent: " + continent)
	}
	state["selected_continent"] = continent
	setTag(ModeBackup, state, "COUNTRY_SELECTING")
	return state, nil
}

func selectCountry(_ context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	code, aerr := argString(args, "country_code")
	if aerr != nil {
		return state, aerr
	}
	continent, ok := state["selected_continent"].(string)
	if !ok {
		return state, errStateInvalid("missing state field: selected_continent")
	}
	var match *countryRef
	for _, c := range sess.Countries[continent] {
		if c.Code == code {
			match = &countryRef{Code: c.Code, Currency: c.Currency, Validator: c.Validator}
			break
		}
	}
	if match == nil {
		return state, errInputInvalid("country " + code + " not in continent " + continent)
	}
	state["selected_country"] = match.Code
	state["currency"] = match.Currency
	setTag(ModeBackup, state, "USER_ATTRIBUTES_COLLECTING")
	return state, nil
}

// countryRef is the subset of countries.Country the reducer needs;
// kept local so this package doesn't import countries.Country's full
// attribute/validator shape into every caller.
type countryRef struct {
	Code      string
	Currency  string
	Validator string
}

func enterUserAttributes(_ context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
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
	setTag(ModeBackup, state, "AUTHENTICATIONS_EDITING")
	return state, nil
}

func addAuthentication(_ context.Context, _ *Session, state State, args map[string]any) (State, *Error) {
	t, aerr := argString(args, "type")
	if aerr != nil {
		return state, aerr
	}
	instructions, aerr := argString(args, "instructions")
	if aerr != nil {
		return state, aerr
	}
	byteLen, ok := args["byte_len"].(float64)
	if !ok {
		return state, errInputInvalid("argument byte_len must be a number")
	}

	list, _ := state["authentication_methods"].([]any)
	list = append(list, encodeAny(authMethodEntry{Type: t, Instructions: instructions, ByteLen: int(byteLen)}))
	state["authentication_methods"] = list
	return state, nil
}

func deleteAuthentication(_ context.Context, _ *Session, state State, args map[string]any) (State, *Error) {
	idxF, ok := args["index"].(float64)
	if !ok {
		return state, errInputInvalid("argument index must be a number")
	}
	idx := int(idxF)
	list, _ := state["authentication_methods"].([]any)
	if idx < 0 || idx >= len(list) {
		return state, errInputInvalid("index out of range")
	}
	state["authentication_methods"] = append(list[:idx], list[idx+1:]...)
	return state, nil
}

func authenticationsNext(_ context.Context, sess *Session, state State, _ map[string]any) (State, *Error) {
	methods, derr := decodeAuthMethods(state)
	if derr != nil {
		return state, derr
	}
	catalog := decodeProviderConfigs(state)
	state["policies"] = encodeAny(planSuggestions(methods, catalog))
	setTag(ModeBackup, state, "POLICIES_REVIEWING")
	return state, nil
}

func selectPolicies(_ context.Context, _ *Session, state State, args map[string]any) (State, *Error) {
	all, derr := decodePolicies(state)
	if derr != nil {
		return state, derr
	}
	raw, ok := args["policy_indices"]
	if !ok {
		return state, errInputInvalid("missing argument: policy_indices")
	}
	idxAny, ok := raw.([]any)
	if !ok {
		return state, errInputInvalid("argument policy_indices must be an array")
	}
	selected := make([]model.PolicySuggestion, 0, len(idxAny))
	for _, v := range idxAny {
		f, ok := v.(float64)
		if !ok {
			return state, errInputInvalid("policy_indices entries must be numbers")
		}
		i := int(f)
		if i < 0 || i >= len(all) {
			return state, errInputInvalid("policy index out of range")
		}
		selected = append(selected, all[i])
	}
	if len(selected) == 0 {
		return state, errInputInvalid("at least one policy must be selected")
	}
	state["selected_policies"] = encodeAny(selected)
	return state, nil
}

func policiesReviewingNext(_ context.Context, _ *Session, state State, _ map[string]any) (State, *Error) {
	if _, ok := state["selected_policies"]; !ok {
		return state, errStateInvalid("no policies selected yet")
	}
	setTag(ModeBackup, state, "SECRET_EDITING")
	return state, nil
}

// pendingTruthRecord is the state-serializable twin of model.Truth:
// the same fields, but without the `json:"-"` tags that keep the
// wire-facing Truth type from leaking key material into a provider
// response. The reducer's own state is a different JSON surface than
// the wire protocol, so it is free to carry this material across a
// TRUTHS_PAYING suspension, where model.Truth itself could not.
type pendingTruthRecord struct {
	MethodIdx    int      `json:"method_idx"`
	ProviderURL  string   `json:"provider_url"`
	PayURI       string   `json:"pay_uri"`
	Type         string   `json:"type"`
	Instructions string   `json:"instructions"`
	UUID         [16]byte `json:"uuid"`
	TruthKey     [32]byte `json:"truth_key"`
	Nonce        []byte   `json:"nonce"`
	KeyShare     [32]byte `json:"key_share"`
	ProviderSalt []byte   `json:"provider_salt"`
	QuestionSalt []byte   `json:"question_salt,omitempty"`
}

func (r pendingTruthRecord) toModelTruth() model.Truth {
	return model.Truth{
		UUID: r.UUID, ProviderURL: r.ProviderURL, Type: r.Type, Instructions: r.Instructions,
		TruthKey: r.TruthKey, QuestionSalt: r.QuestionSalt, ProviderSalt: r.ProviderSalt,
		Nonce: r.Nonce, KeyShare: r.KeyShare,
	}
}

func recordFromTruth(methodIdx int, t model.Truth, payURI string) pendingTruthRecord {
	return pendingTruthRecord{
		MethodIdx: methodIdx, ProviderURL: t.ProviderURL, PayURI: payURI, Type: t.Type, Instructions: t.Instructions,
		UUID: t.UUID, TruthKey: t.TruthKey, Nonce: t.Nonce, KeyShare: t.KeyShare, ProviderSalt: t.ProviderSalt, QuestionSalt: t.QuestionSalt,
	}
}

// gatheredRecord is the state-serializable result of a successful
// truth upload: the escrow method the recovery document will carry,
// plus the key share needed to derive the owning policy's key.
type gatheredRecord struct {
	MethodIdx int                `json:"method_idx"`
	Provider  string              `json:"provider"`
	Method    model.EscrowMethod `json:"method"`
	KeyShare  [32]byte           `json:"key_share"`
}

// enterSecretAndShare implements spec §4.E: it derives every distinct
// (method, provider) truth referenced by the selected policies,
// uploads each one, derives the policy keys from the gathered key
// shares, and finally shares the recovery document with every
// provider. A payment requirement for any truth suspends the flow in
// TRUTHS_PAYING; reaching the share step, a payment requirement there
// suspends it in POLICIES_PAYING (spec §4.D / §4.E's retry contract).
func enterSecretAndShare(ctx context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	secretName, aerr := argString(args, "secret_name")
	if aerr != nil {
		return state, aerr
	}
	coreSecretB64, aerr := argString(args, "core_secret")
	if aerr != nil {
		return state, aerr
	}
	if _, err := base64.StdEncoding.DecodeString(coreSecretB64); err != nil {
		return state, errInputInvalid("core_secret is not valid base64")
	}
	yearsF, ok := args["expiration_years"].(float64)
	if !ok {
		return state, errInputInvalid("argument expiration_years must be a number")
	}
	answers, aerr := argMap(args, "method_answers")
	if aerr != nil {
		return state, aerr
	}

	methods, derr := decodeAuthMethods(state)
	if derr != nil {
		return state, derr
	}
	selected, derr := decodePoliciesField(state, "selected_policies")
	if derr != nil {
		return state, derr
	}

	state["secret_name"] = secretName
	state["core_secret"] = coreSecretB64
	state["expiration_years"] = int(yearsF)

	gathered, pending, ferr := uploadTruths(ctx, sess, state, methods, selected, answers, int(yearsF), nil)
	if ferr != nil {
		return state, ferr
	}
	state["gathered_truths"] = encodeAny(gathered)
	if len(pending) > 0 {
		state["pending_truth_payments"] = encodeAny(pending)
		setTag(ModeBackup, state, "TRUTHS_PAYING")
		return state, nil
	}
	delete(state, "pending_truth_payments")

	return attemptShare(ctx, sess, state)
}

// uploadTruths walks every (method, provider) pair referenced by
// selected that is not already present in alreadyGathered, uploading
// each missing one. Pairs that come back payment-required are
// returned as pendingTruthRecord entries rather than failing the
// whole batch.
func uploadTruths(ctx context.Context, sess *Session, state State, methods []model.AuthMethod, selected []model.PolicySuggestion, answers map[string]any, years int, alreadyGathered []gatheredRecord) ([]gatheredRecord, []pendingTruthRecord, *Error) {
	have := map[[2]string]bool{}
	gathered := append([]gatheredRecord{}, alreadyGathered...)
	for _, g := range gathered {
		have[[2]string{fmt.Sprintf("%d", g.MethodIdx), g.Provider}] = true
	}
	configs := decodeProviderConfigs(state)
	configByURL := make(map[string]model.ProviderConfig, len(configs))
	for _, c := range configs {
		configByURL[c.URL] = c
	}
	attrs := decodeIdentityAttributes(state)

	var pending []pendingTruthRecord
	seen := map[[2]string]bool{}

	for _, p := range selected {
		for _, ref := range p.Methods {
			key := [2]string{fmt.Sprintf("%d", ref.AuthenticationMethod), ref.Provider}
			if have[key] || seen[key] {
				continue
			}
			seen[key] = true
			if ref.AuthenticationMethod < 0 || ref.AuthenticationMethod >= len(methods) {
				return nil, nil, errStateInvalid("policy references out-of-range authentication method")
			}
			m := methods[ref.AuthenticationMethod]
			cfg, ok := configByURL[ref.Provider]
			if !ok {
				return nil, nil, errStateInvalid("policy references unknown provider: " + ref.Provider)
			}
			if !cfg.MethodSupported(m.Type, m.ByteLen) {
				return nil, nil, errAuthenticationMethodNotSupported("provider " + ref.Provider + " does not support authentication method " + m.Type)
			}
			answerVal, _ := answers[fmt.Sprintf("%d", ref.AuthenticationMethod)].(string)
			userID := crypto.DeriveUserIdentifier(attrs, cfg.Salt)

			out, err := truth.Upload(ctx, sess.Client, truth.Request{
				ProviderURL:  ref.Provider,
				Type:         m.Type,
				Instructions: m.Instructions,
				ChallengeFn:  func(*[32]byte) []byte { return []byte(m.Instructions) },
				Answer:       answerVal,
				ProviderSalt: cfg.Salt,
				StorageYears: years,
				UserID:       userID,
			}, nil)
			if err != nil {
				return nil, nil, &Error{Code: CodeNetworkFailed, Hint: "truth upload failed", Detail: err.Error()}
			}
			switch out.Kind {
			case truth.Success:
				gathered = append(gathered, gatheredRecord{
					MethodIdx: ref.AuthenticationMethod,
					Provider:  ref.Provider,
					Method:    escrowMethodOf(out.Truth),
					KeyShare:  out.Truth.KeyShare,
				})
			case truth.PaymentRequired:
				pending = append(pending, recordFromTruth(ref.AuthenticationMethod, out.Truth, out.PayURI))
			case truth.TooLarge:
				return nil, nil, errChallengeDataTooBig("challenge datum rejected as too large by provider: " + ref.Provider)
			default:
				return nil, nil, errProviderFailed("truth upload rejected by provider: " + out.Detail)
			}
		}
	}
	return gathered, pending, nil
}

func escrowMethodOf(t model.Truth) model.EscrowMethod {
	return model.EscrowMethod{
		UUID:         t.UUID,
		URL:          t.ProviderURL,
		Instructions: t.Instructions,
		TruthKey:     t.TruthKey,
		TruthSalt:    t.QuestionSalt,
		ProviderSalt: t.ProviderSalt,
		EscrowType:   t.Type,
	}
}

func decodeIdentityAttributes(s State) map[string]string {
	raw, _ := s["identity_attributes"].(map[string]any)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}

// attemptShare runs spec §4.E using every already-gathered truth in
// state: it builds the recovery document, derives each policy's key
// from the corresponding gathered key shares, and POSTs it to every
// provider. Per-provider accounts are re-derived from identity
// attributes and provider salt rather than stored, so no signing key
// material needs to round-trip through state at all.
func attemptShare(ctx context.Context, sess *Session, state State) (State, *Error) {
	secretName, _ := state["secret_name"].(string)
	coreSecretB64, _ := state["core_secret"].(string)
	coreSecret, err := base64.StdEncoding.DecodeString(coreSecretB64)
	if err != nil {
		return state, errStateInvalid("core_secret is not valid base64")
	}
	yearsF, _ := state["expiration_years"].(float64)
	if yearsF == 0 {
		if y, ok := state["expiration_years"].(int); ok {
			yearsF = float64(y)
		}
	}

	selected, derr := decodePoliciesField(state, "selected_policies")
	if derr != nil {
		return state, derr
	}
	var gathered []gatheredRecord
	if derr := decodeInto(state["gathered_truths"], &gathered); derr != nil {
		return state, derr
	}
	byKey := make(map[[2]string]gatheredRecord, len(gathered))
	for _, g := range gathered {
		byKey[[2]string{fmt.Sprintf("%d", g.MethodIdx), g.Provider}] = g
	}
	attrs := decodeIdentityAttributes(state)
	configs := decodeProviderConfigs(state)
	configByURL := make(map[string]model.ProviderConfig, len(configs))
	for _, c := range configs {
		configByURL[c.URL] = c
	}

	policies := make([]model.Policy, 0, len(selected))
	policyKeys := make([][32]byte, 0, len(selected))
	methodsByUUID := map[[16]byte]model.EscrowMethod{}
	providerSet := map[string]struct{}{}

	for _, p := range selected {
		salt, err := crypto.RandomKey32()
		if err != nil {
			return state, errStateInvalid("salt generation failed: " + err.Error())
		}
		var uuids [][16]byte
		var shares [][32]byte
		for _, ref := range p.Methods {
			g, ok := byKey[[2]string{fmt.Sprintf("%d", ref.AuthenticationMethod), ref.Provider}]
			if !ok {
				return state, errStateInvalid("missing gathered truth for selected policy")
			}
			uuids = append(uuids, g.Method.UUID)
			shares = append(shares, g.KeyShare)
			methodsByUUID[g.Method.UUID] = g.Method
			providerSet[ref.Provider] = struct{}{}
		}
		key, err := crypto.DerivePolicyKey(shares, salt[:])
		if err != nil {
			return state, errStateInvalid("policy key derivation failed: " + err.Error())
		}
		policies = append(policies, model.Policy{Salt: salt[:], TruthUUIDs: uuids})
		policyKeys = append(policyKeys, key)
	}

	providers := make([]string, 0, len(providerSet))
	perProviderAccount := map[string]crypto.AccountKeyPair{}
	for url := range providerSet {
		providers = append(providers, url)
		id := crypto.DeriveUserIdentifier(attrs, configByURL[url].Salt)
		perProviderAccount[url] = crypto.DeriveAccountKeyPair(id)
	}

	var paymentSecrets map[string]*[32]byte
	if v, ok := state["policy_payment_secret"].(string); ok && v != "" {
		if provURL, ok := state["policy_payment_provider"].(string); ok {
			if secret, err := decodeHexSecret(v); err == nil {
				paymentSecrets = map[string]*[32]byte{provURL: &secret}
			}
		}
	}

	res, err := sharer.Share(ctx, sess.Client, sharer.Input{
		SecretName:         secretName,
		CoreSecret:         coreSecret,
		Policies:           policies,
		PolicyKeys:         policyKeys,
		Methods:            methodsByUUID,
		Providers:          providers,
		PerProviderAccount: perProviderAccount,
		StorageYears:       int(yearsF),
	}, paymentSecrets)
	if err != nil {
		return state, &Error{Code: CodeNetworkFailed, Hint: "share failed", Detail: err.Error()}
	}

	switch res.Status {
	case sharer.StatusSuccess:
		state["providers_stored"] = encodeAny(res.Providers)
		delete(state, "pending_policy_payments")
		delete(state, "policy_payment_secret")
		delete(state, "policy_payment_provider")
		delete(state, "gathered_truths")
		setTag(ModeBackup, state, "BACKUP_FINISHED")
		return state, nil
	case sharer.StatusPaymentRequired:
		state["pending_policy_payments"] = encodeAny(res.PaymentRequests)
		setTag(ModeBackup, state, "POLICIES_PAYING")
		return state, nil
	default:
		if res.Failure != nil && res.Failure.ErrorCode == "too_large" {
			return state, errSecretTooBig("policy upload rejected as too large by provider: " + res.Failure.URL)
		}
		detail := ""
		if res.Failure != nil {
			detail = res.Failure.ErrorCode
		}
		return state, errProviderFailed("policy upload failed: " + detail)
	}
}

// payTruths implements the TRUTHS_PAYING "pay" action: it retries
// every truth still pending for providerURL using its preserved
// pendingTruthRecord (spec §4.D's "preserve locally generated random
// material for a retry"), re-supplying the question answer from
// method_answers for question-type truths since that material is
// never itself persisted in state.
func payTruths(ctx context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	providerURL, aerr := argString(args, "provider_url")
	if aerr != nil {
		return state, aerr
	}
	secretB64, aerr := argString(args, "payment_secret")
	if aerr != nil {
		return state, aerr
	}
	secret, err := decodeHexSecret(secretB64)
	if err != nil {
		return state, errInputInvalid("payment_secret malformed: " + err.Error())
	}
	answers, _ := args["method_answers"].(map[string]any)

	var pending []pendingTruthRecord
	if derr := decodeInto(state["pending_truth_payments"], &pending); derr != nil {
		return state, derr
	}
	var gathered []gatheredRecord
	_ = decodeInto(state["gathered_truths"], &gathered)

	attrs := decodeIdentityAttributes(state)
	configs := decodeProviderConfigs(state)
	configByURL := make(map[string]model.ProviderConfig, len(configs))
	for _, c := range configs {
		configByURL[c.URL] = c
	}

	var remaining []pendingTruthRecord
	for _, rec := range pending {
		if rec.ProviderURL != providerURL {
			remaining = append(remaining, rec)
			continue
		}
		answerVal, _ := answers[fmt.Sprintf("%d", rec.MethodIdx)].(string)
		userID := crypto.DeriveUserIdentifier(attrs, configByURL[rec.ProviderURL].Salt)
		out, err := truth.Upload(ctx, sess.Client, truth.Request{
			Existing:     ptrTruth(rec.toModelTruth()),
			ProviderURL:  rec.ProviderURL,
			Type:         rec.Type,
			Instructions: rec.Instructions,
			ChallengeFn:  func(*[32]byte) []byte { return []byte(rec.Instructions) },
			Answer:       answerVal,
			UserID:       userID,
		}, &secret)
		if err != nil {
			return state, &Error{Code: CodeNetworkFailed, Hint: "truth upload retry failed", Detail: err.Error()}
		}
		switch out.Kind {
		case truth.Success:
			gathered = append(gathered, gatheredRecord{
				MethodIdx: rec.MethodIdx,
				Provider:  rec.ProviderURL,
				Method:    escrowMethodOf(out.Truth),
				KeyShare:  out.Truth.KeyShare,
			})
		case truth.PaymentRequired:
			remaining = append(remaining, recordFromTruth(rec.MethodIdx, out.Truth, out.PayURI))
		case truth.TooLarge:
			return state, errChallengeDataTooBig("challenge datum rejected as too large by provider: " + rec.ProviderURL)
		default:
			return state, errProviderFailed("truth upload rejected by provider: " + out.Detail)
		}
	}

	state["gathered_truths"] = encodeAny(gathered)
	state["pending_truth_payments"] = encodeAny(remaining)
	if len(remaining) > 0 {
		return state, nil
	}
	delete(state, "pending_truth_payments")
	return attemptShare(ctx, sess, state)
}

func ptrTruth(t model.Truth) *model.Truth { return &t }

// payPolicies implements the POLICIES_PAYING "pay" action: it retries
// the policy upload for providerURL with the supplied payment secret
// by re-running the whole share step (spec §4.E step 7's retry).
func payPolicies(ctx context.Context, sess *Session, state State, args map[string]any) (State, *Error) {
	providerURL, aerr := argString(args, "provider_url")
	if aerr != nil {
		return state, aerr
	}
	secretB64, aerr := argString(args, "payment_secret")
	if aerr != nil {
		return state, aerr
	}
	if _, err := decodeHexSecret(secretB64); err != nil {
		return state, errInputInvalid("payment_secret malformed: " + err.Error())
	}
	state["policy_payment_provider"] = providerURL
	state["policy_payment_secret"] = secretB64
	return attemptShare(ctx, sess, state)
}

func decodePoliciesField(s State, field string) ([]model.PolicySuggestion, *Error) {
	raw, ok := s[field]
	if !ok {
		return nil, errStateInvalid("missing state field: " + field)
	}
	var out []model.PolicySuggestion
	if derr := decodeInto(raw, &out); derr != nil {
		return nil, derr
	}
	return out, nil
}

func decodeHexSecret(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes base64-encoded")
	}
	copy(out[:], raw)
	return out, nil
}
