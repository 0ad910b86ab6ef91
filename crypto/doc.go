// Package crypto implements key material primitives for the payment
// session layer: Curve25519 keypair generation and derivation, secure
// wiping of sensitive buffers, and an AES-GCM encrypted file store used
// to persist cached session keys at rest.
//
// The Noise handshake and transport ciphers live behind the noise.Engine
// interface; this package only handles raw key bytes.
package crypto
