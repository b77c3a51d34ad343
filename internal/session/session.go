// Package session persists a reducer's live state between HTTP
// requests to anastasis-httpd, so a GUI can reattach after a crash or
// tab reload instead of restarting a backup/recovery flow from
// scratch (spec §4.F "the driver can dump its live state... and later
// resume from it", §4.I "deterministic replay").
package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no session with that id exists.
var ErrNotFound = errors.New("session: not found")

// Store persists opaque, already-serialized reducer state by session
// id. It never interprets the bytes it is given.
type Store interface {
	Save(ctx context.Context, id string, state []byte) error
	Load(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}
