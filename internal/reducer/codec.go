package reducer

import "encoding/json"

// decodeInto and encodeAny bridge the dynamic State map and the typed
// model/* structs the rest of the codebase works with, matching spec
// §9's "dynamic JSON state... the wire JSON schema is the contract,
// not any in-memory representation": handlers stay free to use typed
// values internally as long as what lands in State round-trips
// through JSON identically.
func decodeInto(v any, dst any) *Error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errStateInvalid(err.Error())
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errStateInvalid(err.Error())
	}
	return nil
}

func encodeAny(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	_ = json.Unmarshal(raw, &out)
	return out
}
