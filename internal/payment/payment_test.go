package payment

import (
	"testing"

	"github.com/anastasis-go/anastasis/internal/crockford"
)

func TestParsePayURIRoundTrip(t *testing.T) {
	var want [32]byte
	for i := range want {
		want[i] = byte(i)
	}
	uri := "taler://pay/merchant.example.com/" + crockford.Encode(want[:]) + "/order-summary"

	got, err := ParsePayURI(uri)
	if err != nil {
		t.Fatalf("ParsePayURI: %v", err)
	}
	if got != want {
		t.Fatalf("secret mismatch: got %x want %x", got, want)
	}
}

func TestParsePayURIAcceptsHTTPScheme(t *testing.T) {
	var secret [32]byte
	uri := "taler+http://pay/merchant.example.com/" + crockford.Encode(secret[:]) + "/order"
	if _, err := ParsePayURI(uri); err != nil {
		t.Fatalf("ParsePayURI rejected taler+http scheme: %v", err)
	}
}

func TestParsePayURIRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"http://pay/merchant/order",
		"taler://pay/onlyonesegment",
		"taler://pay/merchant/!!!not-crockford!!!",
	}
	for _, uri := range cases {
		if _, err := ParsePayURI(uri); err != ErrMalformedURI {
			t.Fatalf("ParsePayURI(%q): expected ErrMalformedURI, got %v", uri, err)
		}
	}
}
