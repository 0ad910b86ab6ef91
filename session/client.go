package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noisepay/paysession/keys"
	"github.com/noisepay/paysession/noise"
	"github.com/noisepay/paysession/payment"
	"github.com/noisepay/paysession/transport"
)

// State is the client session lifecycle position.
type State uint8

const (
	// StateIdle means no connection has been attempted yet.
	StateIdle State = iota
	// StateConnecting means the TCP dial is in progress.
	StateConnecting
	// StateHandshaking means the socket is up and the Noise handshake is
	// running.
	StateHandshaking
	// StateEstablished means the channel is ready for a request.
	StateEstablished
	// StateSending means a request is being written.
	StateSending
	// StateAwaitingResponse means a request was written and the response
	// is pending.
	StateAwaitingResponse
	// StateClosed is terminal for the current session; a fresh Connect
	// starts over.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// DefaultOperationTimeout bounds connect and request round trips when the
// caller's context carries no deadline.
const DefaultOperationTimeout = 30 * time.Second

// ClientConfig configures a payer-side session client.
type ClientConfig struct {
	// DeviceID and Epoch select the local key material.
	DeviceID string
	Epoch    uint32
	// OperationTimeout bounds Connect and SendRequest for contexts
	// without a deadline. Zero selects DefaultOperationTimeout.
	OperationTimeout time.Duration
	// MaxFrameSize bounds inbound frames. Zero selects
	// transport.DefaultMaxFrameSize.
	MaxFrameSize uint32
}

// SessionInfo is a snapshot of the client's current session.
type SessionInfo struct {
	SessionID        string
	PeerIdentity     string
	State            State
	EstablishedAt    time.Time
	MessagesSent     uint64
	MessagesReceived uint64
}

// Client drives the payer side of the payment channel: connect,
// handshake, one request/response exchange at a time, disconnect. A
// Client is safe for concurrent use, but a session carries at most one
// request in flight; concurrent SendRequest calls fail with
// ErrRequestInFlight rather than interleaving frames.
type Client struct {
	mu        sync.Mutex
	config    ClientConfig
	engine    noise.Engine
	authority *keys.AuthorityClient

	state         State
	conn          net.Conn
	sessionID     string
	peerIdentity  string
	establishedAt time.Time
	sent          uint64
	received      uint64
}

// NewClient creates a payer-side client over the given engine and key
// authority.
func NewClient(engine noise.Engine, authority *keys.AuthorityClient, config ClientConfig) *Client {
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultOperationTimeout
	}
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = transport.DefaultMaxFrameSize
	}
	return &Client{
		config:    config,
		engine:    engine,
		authority: authority,
		state:     StateIdle,
	}
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionInfo returns a snapshot of the current session.
func (c *Client) SessionInfo() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionInfo{
		SessionID:        c.sessionID,
		PeerIdentity:     c.peerIdentity,
		State:            c.state,
		EstablishedAt:    c.establishedAt,
		MessagesSent:     c.sent,
		MessagesReceived: c.received,
	}
}

// Connect dials the endpoint and establishes the encrypted session.
// Calling Connect while a session is active fails; after Disconnect the
// client is reusable. Any failure leaves the client in StateClosed with
// the socket released.
func (c *Client) Connect(ctx context.Context, endpoint transport.Endpoint) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("%w: session already active (state %s)", ErrConnectionFailed, c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, cancel := c.boundContext(ctx)
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"endpoint": endpoint.Addr(),
	}).Debug("Dialing payment session endpoint")

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Addr())
	if err != nil {
		c.teardown()
		return classify(ctx, err, ErrConnectionFailed)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateHandshaking
	c.mu.Unlock()

	if err := c.handshake(ctx, conn, endpoint.ServerPublicKey); err != nil {
		c.teardown()
		return err
	}

	c.mu.Lock()
	if c.state != StateHandshaking {
		// Disconnect raced the handshake; it already released the socket
		// and wins.
		sessionID := c.sessionID
		c.sessionID = ""
		c.peerIdentity = ""
		c.mu.Unlock()
		if sessionID != "" {
			_ = c.engine.Close(sessionID)
		}
		return fmt.Errorf("%w: session closed during connect", ErrConnectionFailed)
	}
	c.state = StateEstablished
	c.establishedAt = time.Now()
	peer := c.peerIdentity
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"endpoint": endpoint.Addr(),
		"peer":     peer[:16],
	}).Info("Payment session established")

	return nil
}

// handshake runs the Noise exchange over the fresh socket: initiate,
// send the first message, read the reply, complete.
func (c *Client) handshake(ctx context.Context, conn net.Conn, serverKey [32]byte) error {
	localKey, err := c.authority.GetOrDerive(ctx, c.config.DeviceID, c.config.Epoch)
	if err != nil {
		return classify(ctx, err, ErrHandshakeFailed)
	}

	token, first, err := c.engine.Initiate(localKey, serverKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	stop := watchContext(ctx, conn)
	defer stop()

	if err := transport.WriteFrame(conn, first); err != nil {
		return classify(ctx, err, ErrHandshakeFailed)
	}
	response, err := transport.ReadFrame(conn, c.config.MaxFrameSize)
	if err != nil {
		return classify(ctx, err, ErrHandshakeFailed)
	}

	sessionID, err := c.engine.Complete(token, response)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	peerIdentity, err := c.engine.PeerIdentity(sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.peerIdentity = peerIdentity
	c.mu.Unlock()
	return nil
}

// SendRequest performs one encrypted request/response exchange. It
// requires an established session and admits a single request at a time.
// A ServerError return means the peer rejected the request at the
// protocol level; like every other failure it leaves the client Closed,
// ready for a fresh Connect.
func (c *Client) SendRequest(ctx context.Context, request *payment.Request) (*payment.Confirmation, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	switch c.state {
	case StateSending, StateAwaitingResponse:
		c.mu.Unlock()
		return nil, ErrRequestInFlight
	case StateEstablished:
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: not connected (state %s)", ErrConnectionFailed, c.state)
	}
	c.state = StateSending
	conn := c.conn
	sessionID := c.sessionID
	c.mu.Unlock()

	ctx, cancel := c.boundContext(ctx)
	defer cancel()

	confirmation, err := c.exchange(ctx, conn, sessionID, request)
	if err != nil {
		c.teardown()
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateSending && c.state != StateAwaitingResponse {
		// Disconnect raced the exchange; the session stays Closed. The
		// confirmation is still real, the peer sent it.
		c.mu.Unlock()
		return confirmation, nil
	}
	c.state = StateEstablished
	c.sent++
	c.received++
	c.mu.Unlock()
	return confirmation, nil
}

// exchange writes the encrypted request frame and reads the encrypted
// response frame.
func (c *Client) exchange(ctx context.Context, conn net.Conn, sessionID string, request *payment.Request) (*payment.Confirmation, error) {
	plaintext, err := request.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	ciphertext, err := c.engine.Encrypt(sessionID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	stop := watchContext(ctx, conn)
	defer stop()

	if err := transport.WriteFrame(conn, ciphertext); err != nil {
		return nil, classify(ctx, err, ErrConnectionFailed)
	}

	c.mu.Lock()
	c.state = StateAwaitingResponse
	c.mu.Unlock()

	responseFrame, err := transport.ReadFrame(conn, c.config.MaxFrameSize)
	if err != nil {
		return nil, classify(ctx, err, ErrConnectionFailed)
	}

	responsePlain, err := c.engine.Decrypt(sessionID, responseFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return parseExchangeResponse(responsePlain)
}

// parseExchangeResponse interprets the decrypted response envelope.
func parseExchangeResponse(plaintext []byte) (*payment.Confirmation, error) {
	kind, err := payment.EnvelopeType(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	switch kind {
	case payment.TypeConfirmReceipt:
		confirmation, err := payment.ParseConfirmation(plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return confirmation, nil
	case payment.TypeError:
		envelope, err := payment.ParseErrorEnvelope(plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return nil, &ServerError{Code: envelope.Code, Message: envelope.Message}
	default:
		return nil, fmt.Errorf("%w: unexpected envelope type %q", ErrInvalidResponse, kind)
	}
}

// Ping performs an encrypted keep-alive round trip on an established
// session.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateSending, StateAwaitingResponse:
		c.mu.Unlock()
		return ErrRequestInFlight
	case StateEstablished:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: not connected (state %s)", ErrConnectionFailed, c.state)
	}
	c.state = StateSending
	conn := c.conn
	sessionID := c.sessionID
	c.mu.Unlock()

	ctx, cancel := c.boundContext(ctx)
	defer cancel()

	err := c.pingExchange(ctx, conn, sessionID)
	if err != nil {
		c.teardown()
		return err
	}

	c.mu.Lock()
	if c.state != StateSending && c.state != StateAwaitingResponse {
		c.mu.Unlock()
		return nil
	}
	c.state = StateEstablished
	c.sent++
	c.received++
	c.mu.Unlock()
	return nil
}

func (c *Client) pingExchange(ctx context.Context, conn net.Conn, sessionID string) error {
	ciphertext, err := c.engine.Encrypt(sessionID, payment.MarshalPing())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	stop := watchContext(ctx, conn)
	defer stop()

	if err := transport.WriteFrame(conn, ciphertext); err != nil {
		return classify(ctx, err, ErrConnectionFailed)
	}

	c.mu.Lock()
	c.state = StateAwaitingResponse
	c.mu.Unlock()

	responseFrame, err := transport.ReadFrame(conn, c.config.MaxFrameSize)
	if err != nil {
		return classify(ctx, err, ErrConnectionFailed)
	}
	plaintext, err := c.engine.Decrypt(sessionID, responseFrame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	kind, err := payment.EnvelopeType(plaintext)
	if err != nil || kind != payment.TypePong {
		return fmt.Errorf("%w: expected pong", ErrInvalidResponse)
	}
	return nil
}

// OfferEndpoint shares a private payment endpoint with the peer over the
// established session. The peer acknowledges accepted offers; rejection
// surfaces as a ServerError and, like every exchange failure, closes the
// session.
func (c *Client) OfferEndpoint(ctx context.Context, offer *payment.EndpointOffer) error {
	if err := offer.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateSending, StateAwaitingResponse:
		c.mu.Unlock()
		return ErrRequestInFlight
	case StateEstablished:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: not connected (state %s)", ErrConnectionFailed, c.state)
	}
	c.state = StateSending
	conn := c.conn
	sessionID := c.sessionID
	c.mu.Unlock()

	ctx, cancel := c.boundContext(ctx)
	defer cancel()

	err := c.offerExchange(ctx, conn, sessionID, offer)
	if err != nil {
		c.teardown()
		return err
	}

	c.mu.Lock()
	if c.state != StateSending && c.state != StateAwaitingResponse {
		c.mu.Unlock()
		return nil
	}
	c.state = StateEstablished
	c.sent++
	c.received++
	c.mu.Unlock()
	return nil
}

func (c *Client) offerExchange(ctx context.Context, conn net.Conn, sessionID string, offer *payment.EndpointOffer) error {
	plaintext, err := offer.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	ciphertext, err := c.engine.Encrypt(sessionID, plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	stop := watchContext(ctx, conn)
	defer stop()

	if err := transport.WriteFrame(conn, ciphertext); err != nil {
		return classify(ctx, err, ErrConnectionFailed)
	}

	c.mu.Lock()
	c.state = StateAwaitingResponse
	c.mu.Unlock()

	responseFrame, err := transport.ReadFrame(conn, c.config.MaxFrameSize)
	if err != nil {
		return classify(ctx, err, ErrConnectionFailed)
	}
	responsePlain, err := c.engine.Decrypt(sessionID, responseFrame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	kind, err := payment.EnvelopeType(responsePlain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	switch kind {
	case payment.TypePong:
		return nil
	case payment.TypeError:
		envelope, err := payment.ParseErrorEnvelope(responsePlain)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return &ServerError{Code: envelope.Code, Message: envelope.Message}
	default:
		return fmt.Errorf("%w: unexpected envelope type %q", ErrInvalidResponse, kind)
	}
}

// Disconnect tears the session down. It is idempotent, ignores close
// errors, and always leaves the client in StateClosed, reusable for a
// fresh Connect.
func (c *Client) Disconnect() {
	c.teardown()
}

// teardown releases the socket and engine session under the lock.
func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID != "" {
		_ = c.engine.Close(c.sessionID)
		c.sessionID = ""
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.peerIdentity = ""
	c.establishedAt = time.Time{}
	c.sent = 0
	c.received = 0
	c.state = StateClosed
}

// boundContext applies the configured operation timeout when the caller's
// context has no deadline of its own.
func (c *Client) boundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.OperationTimeout)
}

// watchContext closes the socket when ctx is cancelled or expires so
// blocked reads and writes unblock immediately. The returned stop
// function ends the watch.
func watchContext(ctx context.Context, conn net.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
