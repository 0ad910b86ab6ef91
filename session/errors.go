package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/noisepay/paysession/keys"
	"github.com/noisepay/paysession/transport"
)

var (
	// ErrConnectionFailed indicates a socket-level failure or an operation
	// attempted without an established session.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrCancelled indicates the caller cancelled an in-flight operation.
	ErrCancelled = errors.New("operation cancelled")
	// ErrHandshakeFailed indicates the secure channel could not be
	// established.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrEncryptionFailed indicates a cipher failure on the send path.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrDecryptionFailed indicates a cipher failure on the receive path.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrInvalidResponse indicates a malformed frame or envelope from the
	// peer.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrEndpointNotFound indicates the directory has no endpoint for the
	// peer.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrRequestInFlight indicates a second request was attempted while
	// one is outstanding; sessions do not pipeline.
	ErrRequestInFlight = errors.New("request already in flight")
)

// ServerError is a protocol-level error envelope returned by the peer:
// the request was delivered and rejected, as opposed to the connection
// dying. Retrieve it with errors.As.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Fault lets a MessageHandler choose the code carried by the error
// envelope sent to the peer. Any other handler error maps to the generic
// handler_error code.
type Fault struct {
	Code    string
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// classify maps a low-level failure to the session error taxonomy.
// Context expiry wins over the underlying error so callers can tell a
// timeout or cancellation apart from a genuine transport failure caused
// by it (the watchdog closes the socket on ctx.Done, so the raw error is
// usually a socket error either way).
func classify(ctx context.Context, err error, fallback error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(err, keys.ErrNoIdentity) || errors.Is(err, keys.ErrDerivationFailed):
		return err
	case errors.Is(err, transport.ErrTruncatedFrame) || errors.Is(err, transport.ErrFrameTooLarge):
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}
