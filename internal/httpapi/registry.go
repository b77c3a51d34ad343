package httpapi

import (
	"sync"

	"github.com/anastasis-go/anastasis/internal/catalog"
	"github.com/anastasis-go/anastasis/internal/countries"
	"github.com/anastasis-go/anastasis/internal/provider"
	"github.com/anastasis-go/anastasis/internal/reducer"
	"github.com/anastasis-go/anastasis/internal/validation"
)

// registry holds the live reducer.Session for every session id
// currently attached to this process. A recovery.Driver inside a
// Session owns goroutine cancellation state that cannot round-trip
// through session.Store's []byte, so a recovery flow is pinned to
// whichever anastasis-httpd process started it: the durable Store
// behind session.Store is what lets a GUI reattach to its *state*
// after a crash, not its live driver. A fresh select_secret call
// rebuilds the driver from scratch, so this is a restart, not a data
// loss, for anything past CHALLENGE_SELECTING.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*reducer.Session
	catalog  *catalog.Catalog
	client   *provider.Client
	gauge    func(delta float64)
}

func newRegistry(cat *catalog.Catalog, client *provider.Client, gauge func(delta float64)) *registry {
	return &registry{sessions: map[string]*reducer.Session{}, catalog: cat, client: client, gauge: gauge}
}

func (r *registry) get(id string) *reducer.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &reducer.Session{
		Client:     r.client,
		Catalog:    r.catalog,
		Countries:  countries.Load(),
		Validators: validation.NewRegistry(),
	}
	r.sessions[id] = s
	if r.gauge != nil {
		r.gauge(1)
	}
	return s
}

func (r *registry) drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		if r.gauge != nil {
			r.gauge(-1)
		}
	}
}
