// Package transport implements the wire-level pieces of the payment
// session layer: the length-prefixed frame codec shared by handshake and
// ciphertext messages, and the Endpoint type with its composite
// host:port:pubkey_hex address format.
package transport
