package noise

import (
	"errors"

	"github.com/noisepay/paysession/keys"
)

var (
	// ErrSessionNotFound indicates no established session with that ID.
	ErrSessionNotFound = errors.New("noise session not found")
	// ErrPendingNotFound indicates no in-flight handshake with that token.
	ErrPendingNotFound = errors.New("pending handshake not found")
	// ErrHandleNotFound indicates no server handle with that ID.
	ErrHandleNotFound = errors.New("server handle not found")
)

// Engine is the narrow contract the session layer drives for all
// cryptography. Handshake-phase payloads are opaque to the caller; after
// the handshake a session ID addresses the established cipher state.
//
// Session IDs are opaque, unique, and never reused after Close.
type Engine interface {
	// Initiate starts a client-side handshake against a peer whose static
	// public key is known. It returns a provisional token for the pending
	// handshake and the first handshake message to send.
	Initiate(local keys.KeyRecord, peerStatic [32]byte) (token string, first []byte, err error)

	// Complete consumes the peer's handshake response for a pending token
	// and yields the established session ID. The token is spent whether or
	// not completion succeeds.
	Complete(token string, response []byte) (sessionID string, err error)

	// NewServerHandle registers server-side key material and returns a
	// handle that Accept uses to answer inbound handshakes.
	NewServerHandle(local keys.KeyRecord) (handle string, err error)

	// Accept consumes a client's handshake initiation and yields the
	// established session ID plus the handshake response to send back.
	Accept(handle string, incoming []byte) (sessionID string, response []byte, err error)

	// Encrypt encrypts plaintext under an established session.
	Encrypt(sessionID string, plaintext []byte) ([]byte, error)

	// Decrypt decrypts ciphertext under an established session.
	Decrypt(sessionID string, ciphertext []byte) ([]byte, error)

	// PeerIdentity returns the hex-encoded static public key of the
	// session's remote peer.
	PeerIdentity(sessionID string) (string, error)

	// Close discards a session's cipher state. Closing an unknown or
	// already-closed session is a no-op.
	Close(sessionID string) error
}
