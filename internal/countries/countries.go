// Package countries is the one legitimate process-wide datum called
// out by the design notes: a continent/country/identity-attribute
// resource table, embedded at build time and loaded once.
package countries

import (
	_ "embed"
	"encoding/json"
	"sync"
)

//go:embed countries.json
var raw []byte

// Country describes one country's identity-attribute schema.
type Country struct {
	Code       string   `json:"code"`
	Name       string   `json:"name"`
	Currency   string   `json:"currency"`
	Attributes []string `json:"attributes"`
	Validator  string   `json:"validator,omitempty"` // name of a validation.Registry entry, if any
}

// Table is continent name -> its countries.
type Table map[string][]Country

var (
	once   sync.Once
	loaded Table
)

// Load parses the embedded table exactly once per process and returns
// the shared, read-only result on every call.
func Load() Table {
	once.Do(func() {
		var t Table
		if err := json.Unmarshal(raw, &t); err != nil {
			loaded = Table{}
			return
		}
		loaded = t
	})
	return loaded
}

// Continents returns the continent names in map iteration order; the
// order is neither sorted nor stable between calls.
func (t Table) Continents() []string {
	out := make([]string, 0, len(t))
	for c := range t {
		out = append(out, c)
	}
	return out
}

// Find returns the Country with the given code, if the table has it.
func (t Table) Find(code string) (Country, bool) {
	for _, countries := range t {
		for _, c := range countries {
			if c.Code == code {
				return c, true
			}
		}
	}
	return Country{}, false
}
