package reducer

import "testing"

func TestErrorConstructorsSetTheRightCode(t *testing.T) {
	cases := []struct {
		err  *Error
		code int
	}{
		{errInputInvalid("bad input"), CodeReducerInputInvalid},
		{errStateInvalid("bad state"), CodeReducerStateInvalid},
		{errActionInvalid("bad action"), CodeReducerActionInvalid},
	}
	for _, c := range cases {
		if c.err.Code != c.code {
			t.Fatalf("expected code %d, got %d", c.code, c.err.Code)
		}
	}
}

func TestErrorStringIncludesDetailWhenPresent(t *testing.T) {
	e := &Error{Hint: "network failed"}
	if e.Error() != "network failed" {
		t.Fatalf("got %q", e.Error())
	}
	e.Detail = "dial tcp: timeout"
	if e.Error() != "network failed: dial tcp: timeout" {
		t.Fatalf("got %q", e.Error())
	}
}
