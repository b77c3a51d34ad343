package log

import "testing"

func TestNewDevelopment(t *testing.T) {
	l, err := New("dev")
	if err != nil {
		t.Fatalf("New(dev): %v", err)
	}
	if l == nil {
		t.Fatalf("New(dev) returned a nil logger")
	}
}

func TestNewProduction(t *testing.T) {
	l, err := New("prod")
	if err != nil {
		t.Fatalf("New(prod): %v", err)
	}
	if l == nil {
		t.Fatalf("New(prod) returned a nil logger")
	}
}
