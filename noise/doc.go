// Package noise defines the secure-channel engine contract used by the
// payment session layer and provides IKEngine, an implementation of that
// contract over the Noise IK pattern from github.com/flynn/noise.
//
// The session layer never touches handshake or cipher state directly: it
// drives an Engine through opaque tokens and session IDs, frames whatever
// bytes the engine hands back, and stays agnostic to the handshake pattern
// in use. Any engine satisfying the interface is interchangeable.
package noise
