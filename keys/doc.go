// Package keys manages device and epoch scoped key material for the
// payment session layer.
//
// A KeyRecord is the unit of key material: one Curve25519 keypair bound to
// a (deviceID, epoch) pair. Records are derived by a KeyAuthority, cached
// in memory and optionally at rest by Cache, and rotated by bumping the
// epoch; an existing record is never mutated.
//
// AuthorityClient ties the two together: it answers key lookups from the
// cache and falls back to the authority on a miss, honoring the caller's
// context for timeout and cancellation of the remote round trip.
package keys
