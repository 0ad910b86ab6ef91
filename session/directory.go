package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/noisepay/paysession/transport"
)

// Directory resolves a peer identity to the endpoint where its session
// server listens. The production implementation lives outside this
// module (HTTP directory, pkarr, manual entry); the session layer only
// consumes the interface.
type Directory interface {
	Lookup(ctx context.Context, peerIdentity string) (transport.Endpoint, error)
}

// StaticDirectory is an in-memory Directory for tests, demos, and
// manually entered endpoints. Safe for concurrent use.
type StaticDirectory struct {
	mu      sync.RWMutex
	entries map[string]transport.Endpoint
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{entries: make(map[string]transport.Endpoint)}
}

// Publish records the endpoint for a peer identity, replacing any
// previous entry.
func (d *StaticDirectory) Publish(peerIdentity string, endpoint transport.Endpoint) {
	d.mu.Lock()
	d.entries[peerIdentity] = endpoint
	d.mu.Unlock()
}

// Remove deletes the entry for a peer identity, if any.
func (d *StaticDirectory) Remove(peerIdentity string) {
	d.mu.Lock()
	delete(d.entries, peerIdentity)
	d.mu.Unlock()
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(ctx context.Context, peerIdentity string) (transport.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return transport.Endpoint{}, err
	}

	d.mu.RLock()
	endpoint, ok := d.entries[peerIdentity]
	d.mu.RUnlock()
	if !ok {
		return transport.Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, peerIdentity)
	}
	return endpoint, nil
}
