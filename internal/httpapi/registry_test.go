package httpapi

import (
	"testing"

	"go.uber.org/zap"

	"github.com/anastasis-go/anastasis/internal/catalog"
	"github.com/anastasis-go/anastasis/internal/provider"
)

func TestRegistryGetReturnsTheSameSessionForTheSameID(t *testing.T) {
	cat := catalog.New(provider.New(), catalog.NewMemoryCache(), 0, zap.NewNop())
	var gaugeDelta float64
	r := newRegistry(cat, provider.New(), func(delta float64) { gaugeDelta += delta })

	a := r.get("session-1")
	b := r.get("session-1")
	if a != b {
		t.Fatalf("expected the same *reducer.Session for repeated get calls")
	}
	if gaugeDelta != 1 {
		t.Fatalf("expected the gauge to increment exactly once, got %v", gaugeDelta)
	}
	if a.Countries == nil {
		t.Fatalf("expected a freshly created session to carry a loaded countries table")
	}
	if a.Validators == nil {
		t.Fatalf("expected a freshly created session to carry a validator registry")
	}
}

func TestRegistryGetCreatesDistinctSessionsForDifferentIDs(t *testing.T) {
	cat := catalog.New(provider.New(), catalog.NewMemoryCache(), 0, zap.NewNop())
	r := newRegistry(cat, provider.New(), nil)

	a := r.get("session-1")
	b := r.get("session-2")
	if a == b {
		t.Fatalf("expected distinct sessions for distinct ids")
	}
}

func TestRegistryDropRemovesTheSessionAndDecrementsGauge(t *testing.T) {
	cat := catalog.New(provider.New(), catalog.NewMemoryCache(), 0, zap.NewNop())
	var gaugeDelta float64
	r := newRegistry(cat, provider.New(), func(delta float64) { gaugeDelta += delta })

	first := r.get("session-1")
	r.drop("session-1")
	if gaugeDelta != 0 {
		t.Fatalf("expected the gauge to net to zero after get+drop, got %v", gaugeDelta)
	}
	second := r.get("session-1")
	if first == second {
		t.Fatalf("expected a dropped session id to be rebuilt fresh on the next get")
	}
}

func TestRegistryDropOnUnknownIDIsANoop(t *testing.T) {
	cat := catalog.New(provider.New(), catalog.NewMemoryCache(), 0, zap.NewNop())
	var gaugeDelta float64
	r := newRegistry(cat, provider.New(), func(delta float64) { gaugeDelta += delta })
	r.drop("never-existed")
	if gaugeDelta != 0 {
		t.Fatalf("expected no gauge change for dropping an unknown id, got %v", gaugeDelta)
	}
}
