package reducer

import (
	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/planner"
)

// authMethodEntry is the JSON shape an authentication method takes
// inside State. It deliberately omits model.AuthMethod.Challenge: the
// raw secret datum (a security answer, a phone number, whatever the
// method type needs) is never persisted, only supplied fresh via
// action arguments at the moment a truth actually needs to be
// generated or re-generated (spec §9's "minimize what the reducer
// state carries across process restarts").
type authMethodEntry struct {
	Type         string `json:"type"`
	Instructions string `json:"instructions"`
	ByteLen      int    `json:"byte_len"`
}

func decodeAuthMethods(s State) ([]model.AuthMethod, *Error) {
	raw, ok := s["authentication_methods"]
	if !ok {
		return nil, errStateInvalid("missing state field: authentication_methods")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errStateInvalid("authentication_methods is not an array")
	}
	if len(list) == 0 {
		return nil, errStateInvalid("authentication_methods is empty")
	}
	out := make([]model.AuthMethod, 0, len(list))
	for _, e := range list {
		var entry authMethodEntry
		if derr := decodeInto(e, &entry); derr != nil {
			return nil, derr
		}
		out = append(out, model.AuthMethod{Type: entry.Type, Instructions: entry.Instructions, ByteLen: entry.ByteLen})
	}
	return out, nil
}

func planSuggestions(methods []model.AuthMethod, catalog []model.ProviderConfig) []model.PolicySuggestion {
	return planner.Plan(methods, catalog)
}

func decodeProviderConfigs(s State) []model.ProviderConfig {
	configsRaw, _ := s["provider_configs"].(map[string]any)
	out := make([]model.ProviderConfig, 0, len(configsRaw))
	for _, v := range configsRaw {
		var cfg model.ProviderConfig
		if derr := decodeInto(v, &cfg); derr == nil {
			out = append(out, cfg)
		}
	}
	return out
}

func decodePolicies(s State) ([]model.PolicySuggestion, *Error) {
	raw, ok := s["policies"]
	if !ok {
		return nil, errStateInvalid("missing state field: policies")
	}
	var out []model.PolicySuggestion
	if derr := decodeInto(raw, &out); derr != nil {
		return nil, derr
	}
	return out, nil
}
