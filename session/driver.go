// Package session implements the Session Subsystem (C3-C5, spec §3-§4.5):
// the pluggable Driver contract, the per-session serialized Storage queue,
// the Session value itself, and the cookie-bound Manager.
package session

import "context"

// Driver is the pluggable persistence interface a Session Storage drives
// (spec §4.3). Implementations must provide the write-atomicity guarantee
// spec §4.3 describes: "each of load/save/destroy is write-atomic with
// respect to other invocations for the same id".
type Driver interface {
	// Exists is a fast predicate that may race with Destroy/Save; callers
	// must not rely on read-after-write ordering without going through Save
	// completion (spec §4.3).
	Exists(ctx context.Context, id string) (bool, error)

	// Load populates sess's data from the persisted record for id.
	Load(ctx context.Context, sess *Session, id string) error

	// Save persists sess's current data under id, creating the record if it
	// does not exist (spec §4.4 consistency rule: "the driver is expected to
	// silently create the record on SAVE even if prior DESTROY removed it").
	Save(ctx context.Context, sess *Session, id string) error

	// Destroy removes the persistent record for id.
	Destroy(ctx context.Context, sess *Session, id string) error

	// Migrate copies data for id out of from and into this driver, then
	// persists it here (spec §4.3).
	Migrate(ctx context.Context, sess *Session, id string, from Driver) error
}
