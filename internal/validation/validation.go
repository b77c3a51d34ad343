// Package validation is a pluggable registry of identity-attribute
// checksum validators, the extension point the reducer's
// USER_ATTRIBUTES_COLLECTING handler calls into. Each validator is
// named the way the upstream project's per-country C sources are
// (validation_<ISO-3166>_<document>), though the Go registry keys
// them by that validator name (e.g. "CH_AHV") instead of compiling one
// translation unit per country.
package validation

import "strings"

// Func reports whether value is a well-formed instance of the
// validator's document type.
type Func func(value string) bool

// Registry maps a validator name (e.g. "CH_AHV") to its validator.
type Registry struct {
	validators map[string]Func
}

// NewRegistry returns a registry pre-populated with the built-in
// validators. Callers may Register additional ones.
func NewRegistry() *Registry {
	r := &Registry{validators: map[string]Func{}}
	r.Register("CH_AHV", chAHVCheck)
	r.Register("ES_DNI", esDNICheck)
	return r
}

func (r *Registry) Register(name string, fn Func) {
	r.validators[name] = fn
}

// Validate returns (true, true) when name names a known validator and
// value passes it; (false, true) when known but failing; (false,
// false) when name names no validator, in which case the caller
// should treat the attribute as unvalidated rather than invalid.
func (r *Registry) Validate(name, value string) (ok bool, known bool) {
	fn, known := r.validators[name]
	if !known {
		return false, false
	}
	return fn(value), true
}

// chAHVCheck validates a Swiss AHV/AVS number's mod-10 weighted
// checksum, alternating weights of 3 and 1 from the rightmost digit
// (grounded on the upstream project's validation_CH_AHV.c).
func chAHVCheck(ahv string) bool {
	digits := make([]int, 0, len(ahv))
	for _, c := range ahv {
		if c == '.' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		digits = append(digits, int(c-'0'))
	}
	if len(digits) < 2 {
		return false
	}
	check := digits[len(digits)-1]
	sum := 0
	odd := true // the digit immediately left of the check digit is weighted 3
	for i := len(digits) - 2; i >= 0; i-- {
		if odd {
			sum += digits[i] * 3
		} else {
			sum += digits[i]
		}
		odd = !odd
	}
	nextTen := ((sum + 9) / 10) * 10
	return nextTen-sum == check
}

// esDNIMap is the Spanish DNI check-letter table: remainder of the
// 8-digit number modulo 23 indexes into it (grounded on
// validation_ES_DNI.c).
const esDNIMap = "TRWAGMYFPDXBNJZSQVHLCKE"

// esDNICheck validates an 8-digit Spanish DNI plus its check letter.
// It rejects the CIF-style company prefixes the upstream source also
// rejects (those are a distinct document type, not an individual's).
func esDNICheck(dni string) bool {
	dni = strings.ToUpper(dni)
	if len(dni) != 9 {
		return false
	}
	digits := dni[:8]
	letter := dni[8]
	num := 0
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
		num = num*10 + int(c-'0')
	}
	return esDNIMap[num%23] == letter
}
