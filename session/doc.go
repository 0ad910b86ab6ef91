// Package session implements both ends of the encrypted payment channel.
//
// Client drives the payer side: connect, handshake, one request/response
// exchange at a time, disconnect. Server drives the payee side: it accepts
// TCP connections, runs one handler goroutine per connection, performs the
// handshake on the first frame, and dispatches decrypted receipt requests
// to a pluggable MessageHandler. Failures on one connection never affect
// the accept loop or other connections.
//
// All cryptography goes through a noise.Engine and all key material
// through a keys.AuthorityClient; the package itself only orchestrates
// sockets, frames, and state.
package session
