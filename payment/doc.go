// Package payment defines the plaintext JSON envelopes carried inside
// encrypted session frames: the receipt request a payer sends, the
// confirmation or error a payee answers with, and the ping/pong
// keep-alives. Envelope field names are fixed wire format.
package payment
