// Package collision decides whether two same-identifier records from
// different origins are the same logical entity or a genuine naming
// conflict.
package collision

import (
	"context"
	"fmt"
	"time"

	"github.com/apstic/recsync/internal/capture"
	"github.com/apstic/recsync/internal/record"
)

// Policy selects how a created_at mismatch on the same (type, id) is
// handled. The policy applies uniformly to every entry - it is never
// inferred per record.
type Policy string

const (
	// PolicyRename treats a mismatch as a naming conflict: the master
	// allocates a fresh id and the LOCAL record is renamed to it. The
	// remote record's identity is never touched.
	PolicyRename Policy = "rename"

	// PolicyUpdateInPlace treats same-id as same-record regardless of
	// creation time. Appropriate when ids are user-assigned,
	// human-meaningful keys.
	PolicyUpdateInPlace Policy = "update_in_place"
)

// ValidPolicy reports whether p is a recognized policy.
func ValidPolicy(p Policy) bool {
	return p == PolicyRename || p == PolicyUpdateInPlace
}

// RemoteAPI is the slice of the master client the resolver needs.
type RemoteAPI interface {
	Exists(ctx context.Context, recordType, id string) (bool, error)
	Get(ctx context.Context, recordType, id string) (*record.Record, error)
	AllocateID(ctx context.Context, recordType, base string) (string, error)
}

// Decision is the outcome of collision resolution for one entry.
type Decision struct {
	// FinalID is the authoritative id the push must replay under.
	FinalID string

	// Renamed is true when the local record was renamed to FinalID.
	Renamed bool

	// RemoteExists reports whether a remote record is present under
	// FinalID. After a rename this is always false - the allocated id
	// is guaranteed free on the master.
	RemoteExists bool
}

// Resolver applies one collision policy against a master and a local
// record store.
type Resolver struct {
	policy Policy
	remote RemoteAPI
	local  record.Store
}

// New creates a resolver. An empty policy defaults to PolicyRename,
// matching the behavior of the rename code path this engine descends
// from.
func New(policy Policy, remote RemoteAPI, local record.Store) (*Resolver, error) {
	if policy == "" {
		policy = PolicyRename
	}
	if !ValidPolicy(policy) {
		return nil, fmt.Errorf("invalid collision policy %q", policy)
	}
	return &Resolver{policy: policy, remote: remote, local: local}, nil
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve classifies a local entry targeting (recordType, localID)
// against the master.
//
// No remote record, or matching created_at, or a remote record without
// a comparable creation time, all mean "same logical record" - the
// caller proceeds under the original id and never renames. A mismatch
// is a candidate conflict handled per the configured policy.
func (r *Resolver) Resolve(ctx context.Context, recordType, localID string, localCreatedAt time.Time) (Decision, error) {
	exists, err := r.remote.Exists(ctx, recordType, localID)
	if err != nil {
		return Decision{}, fmt.Errorf("collision check %s/%s: %w", recordType, localID, err)
	}
	if !exists {
		return Decision{FinalID: localID}, nil
	}

	remoteRec, err := r.remote.Get(ctx, recordType, localID)
	if err != nil {
		return Decision{}, fmt.Errorf("collision check %s/%s: %w", recordType, localID, err)
	}

	// A zero creation time on either side leaves nothing to compare:
	// treat as the same logical record rather than guessing.
	if localCreatedAt.IsZero() || remoteRec.CreatedAt.IsZero() ||
		remoteRec.CreatedAt.Equal(localCreatedAt) {
		return Decision{FinalID: localID, RemoteExists: true}, nil
	}

	if r.policy == PolicyUpdateInPlace {
		return Decision{FinalID: localID, RemoteExists: true}, nil
	}

	return r.rename(ctx, recordType, localID)
}

// rename allocates a fresh id from the master and moves the local
// record to it. The rename is a self-induced mutation, so it runs
// under capture suppression.
func (r *Resolver) rename(ctx context.Context, recordType, localID string) (Decision, error) {
	newID, err := r.remote.AllocateID(ctx, recordType, localID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve collision for %s/%s: %w", recordType, localID, err)
	}

	if err := r.local.Rename(capture.Suppress(ctx), recordType, localID, newID); err != nil {
		return Decision{}, fmt.Errorf("rename %s/%s to %s: %w", recordType, localID, newID, err)
	}

	return Decision{FinalID: newID, Renamed: true}, nil
}
