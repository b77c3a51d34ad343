// Package payment parses the taler://pay payment URI grammar of spec
// §6 and extracts the binary payment secret carried in its order-id
// segment.
package payment

import (
	"errors"
	"strings"

	"github.com/anastasis-go/anastasis/internal/crockford"
)

var ErrMalformedURI = errors.New("payment: malformed taler pay uri")

// ParsePayURI parses "taler[+http]://pay/<merchant-host>/<order-id>/…"
// and returns the 32-byte payment secret decoded from <order-id>.
func ParsePayURI(uri string) ([32]byte, error) {
	var secret [32]byte
	rest, ok := cutScheme(uri)
	if !ok {
		return secret, ErrMalformedURI
	}
	parts := strings.Split(strings.TrimPrefix(rest, "pay/"), "/")
	if len(parts) < 2 {
		return secret, ErrMalformedURI
	}
	orderID := parts[1]
	decoded, err := crockford.Decode(orderID)
	if err != nil || len(decoded) != 32 {
		return secret, ErrMalformedURI
	}
	copy(secret[:], decoded)
	return secret, nil
}

func cutScheme(uri string) (string, bool) {
	for _, scheme := range []string{"taler+http://", "taler://"} {
		if strings.HasPrefix(uri, scheme) {
			return strings.TrimPrefix(uri, scheme), true
		}
	}
	return "", false
}
