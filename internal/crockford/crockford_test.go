package crockford

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0xff},
		{0x01, 0x02, 0x03, 0x04, 0x05},
		bytes.Repeat([]byte{0xab, 0xcd, 0xef}, 11),
	}
	for _, in := range cases {
		enc := Encode(in)
		out, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", enc, err)
		}
		if !bytes.Equal(in, out) {
			t.Fatalf("round trip mismatch: in=%x out=%x (via %q)", in, out, enc)
		}
	}
}

func TestDecodeToleratesAliasesAndCase(t *testing.T) {
	want := "01" + Encode([]byte("anastasis"))
	// Swap the leading "01" for its Crockford aliases "OL", lowercase
	// everything, and confirm Decode still agrees with the canonical form.
	aliased := "OL" + want[2:]
	lower, err := Decode(toLower(aliased))
	if err != nil {
		t.Fatalf("Decode(lowercase) failed: %v", err)
	}
	canonical, err := Decode(want)
	if err != nil {
		t.Fatalf("Decode(canonical) failed: %v", err)
	}
	if !bytes.Equal(lower, canonical) {
		t.Fatalf("aliased lowercase decode diverged from canonical decode")
	}
}

func TestDecodeRejectsInvalidCharacter(t *testing.T) {
	if _, err := Decode("!!!"); err != ErrInvalidChar {
		t.Fatalf("expected ErrInvalidChar, got %v", err)
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
