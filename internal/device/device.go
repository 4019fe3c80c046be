// Package device assigns and persists a stable per-node identifier.
//
// The master node always reports the MASTER sentinel. A child node
// generates a short high-entropy token once and persists it before the
// first change is captured, so every log entry it ever writes carries
// the same origin tag.
package device

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MasterDeviceID is the sentinel origin reserved for the master node.
const MasterDeviceID = "MASTER"

// tokenLength is the size of a generated child device id. Eight hex
// characters from a UUID keep the token human-displayable while making
// a cross-node clash overwhelmingly unlikely.
const tokenLength = 8

// StateStore persists node state values. Implemented by txlog.Store.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// stateKeyDeviceID mirrors txlog.StateKeyDeviceID without importing it.
const stateKeyDeviceID = "device_id"

// Identity resolves the node's device id, generating and persisting
// one on first use. Safe for concurrent use.
type Identity struct {
	state  StateStore
	master bool

	mu     sync.Mutex
	cached string
}

// NewIdentity creates an identity backed by the given state store.
func NewIdentity(state StateStore, isMaster bool) *Identity {
	return &Identity{state: state, master: isMaster}
}

// DeviceID returns the persisted device id. On a master node it is
// always MasterDeviceID. On a child the first call generates a token
// and persists it; every later call returns the same value.
func (i *Identity) DeviceID(ctx context.Context) (string, error) {
	if i.master {
		return MasterDeviceID, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cached != "" {
		return i.cached, nil
	}

	id, err := i.state.GetState(ctx, stateKeyDeviceID)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if id == "" {
		id = newToken()
		if err := i.state.SetState(ctx, stateKeyDeviceID, id); err != nil {
			return "", fmt.Errorf("persist device id: %w", err)
		}
	}
	i.cached = id
	return id, nil
}

// newToken derives a short uppercase token from a fresh UUID.
func newToken() string {
	return strings.ToUpper(uuid.NewString()[:tokenLength])
}
