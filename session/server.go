package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/noisepay/paysession/keys"
	"github.com/noisepay/paysession/noise"
	"github.com/noisepay/paysession/payment"
	"github.com/noisepay/paysession/transport"
)

// MessageHandler turns a decrypted receipt request into a response. It is
// the payee's business logic (receipt generation, method validation) and
// lives outside this layer. Returning a *Fault selects the error
// envelope's code; any other error maps to the generic handler_error
// code. Handlers may be called from many connection goroutines at once.
type MessageHandler interface {
	Handle(request *payment.Request, peerIdentity string) (*payment.Confirmation, error)
}

// EndpointOfferHandler is implemented by MessageHandlers that accept
// private endpoint offers from peers. Handlers that do not implement it
// see offers rejected with the invalid_request code. Storing the offered
// endpoint is the handler's concern.
type EndpointOfferHandler interface {
	HandleEndpointOffer(offer *payment.EndpointOffer, peerIdentity string) error
}

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc func(request *payment.Request, peerIdentity string) (*payment.Confirmation, error)

// Handle implements MessageHandler.
func (f MessageHandlerFunc) Handle(request *payment.Request, peerIdentity string) (*payment.Confirmation, error) {
	return f(request, peerIdentity)
}

// ServerConfig configures a payee-side session server.
type ServerConfig struct {
	// DeviceID and Epoch select the server's key material.
	DeviceID string
	Epoch    uint32
	// MaxFrameSize bounds inbound frames. Zero selects
	// transport.DefaultMaxFrameSize.
	MaxFrameSize uint32
	// Host is the listen address; empty listens on all interfaces.
	Host string
}

// Handle describes a started server: the port actually bound (relevant
// when port 0 requested an ephemeral one) and the hex public key clients
// must be given to connect.
type Handle struct {
	Port         uint16
	PublicKeyHex string
}

// Status is a point-in-time view of a running server.
type Status struct {
	Running           bool
	Port              uint16
	PublicKeyHex      string
	ActiveConnections int
	TotalAccepted     uint64
}

// serverConn is one accepted socket plus its handshake and session state.
// The socket is owned exclusively by its handler goroutine; the table
// entry exists so Stop can force-close it.
type serverConn struct {
	id                string
	conn              net.Conn
	sessionID         string
	peerIdentity      string
	handshakeComplete bool
}

// Server is the payee side: it accepts connections, handshakes each one,
// and dispatches decrypted receipt requests to the MessageHandler. Every
// connection runs in its own goroutine; a failure or panic in one never
// stops the accept loop or other connections.
type Server struct {
	config    ServerConfig
	engine    noise.Engine
	authority *keys.AuthorityClient
	handler   MessageHandler

	mu             sync.Mutex
	running        bool
	starting       bool
	listener       net.Listener
	engineHandle   string
	conns          map[string]*serverConn
	maxConnections int
	totalAccepted  uint64
	publicKeyHex   string
	port           uint16
	wg             sync.WaitGroup
}

// NewServer creates a payee-side server over the given engine, key
// authority, and business-logic handler.
func NewServer(engine noise.Engine, authority *keys.AuthorityClient, handler MessageHandler, config ServerConfig) *Server {
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = transport.DefaultMaxFrameSize
	}
	return &Server{
		config:    config,
		engine:    engine,
		authority: authority,
		handler:   handler,
		conns:     make(map[string]*serverConn),
	}
}

// Start obtains the server key, binds the listening socket (port 0 picks
// any available port), and launches the accept loop. It returns the
// bound port and the server's public key in hex.
func (s *Server) Start(port uint16, maxConnections int) (*Handle, error) {
	// The starting flag keeps a second Start out between this check and
	// the commit below, so two callers cannot both bind.
	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		return nil, fmt.Errorf("server already running on port %d", s.port)
	}
	s.starting = true
	s.mu.Unlock()

	fail := func(err error) (*Handle, error) {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return nil, err
	}

	record, err := s.authority.GetOrDerive(context.Background(), s.config.DeviceID, s.config.Epoch)
	if err != nil {
		return fail(err)
	}

	engineHandle, err := s.engine.NewServerHandle(record)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, port))
	if err != nil {
		if closer, ok := s.engine.(interface{ CloseHandle(string) }); ok {
			closer.CloseHandle(engineHandle)
		}
		return fail(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	actualPort := uint16(listener.Addr().(*net.TCPAddr).Port)

	s.mu.Lock()
	s.starting = false
	s.running = true
	s.listener = listener
	s.engineHandle = engineHandle
	s.maxConnections = maxConnections
	s.publicKeyHex = record.PublicKeyHex()
	s.port = actualPort
	s.totalAccepted = 0
	s.mu.Unlock()

	go s.acceptLoop(listener)

	logrus.WithFields(logrus.Fields{
		"function":        "Start",
		"port":            actualPort,
		"max_connections": maxConnections,
		"public_key":      s.publicKeyHex[:16],
	}).Info("Payment session server listening")

	return &Handle{Port: actualPort, PublicKeyHex: record.PublicKeyHex()}, nil
}

// acceptLoop accepts sockets until the listener closes. Per-connection
// failures never end it; only Stop or a fatal listener error does.
func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.isRunning() {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		s.admit(conn)
	}
}

// admit enforces the connection limit and spawns the handler goroutine.
func (s *Server) admit(conn net.Conn) {
	s.mu.Lock()
	if !s.running || len(s.conns) >= s.maxConnections {
		limit := s.maxConnections
		s.mu.Unlock()
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "admit",
			"remote":   conn.RemoteAddr().String(),
			"limit":    limit,
		}).Warn("Connection rejected")
		return
	}

	sc := &serverConn{id: uuid.NewString(), conn: conn}
	s.conns[sc.id] = sc
	s.totalAccepted++
	s.wg.Add(1)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "admit",
		"connection_id": sc.id,
		"remote":        conn.RemoteAddr().String(),
	}).Debug("Connection accepted")

	go s.handleConnection(sc)
}

// handleConnection is the per-connection loop: first frame is the
// handshake initiation, every later frame is ciphertext. It runs until
// the peer closes, a transport error occurs, or Stop force-closes the
// socket.
func (s *Server) handleConnection(sc *serverConn) {
	defer s.wg.Done()
	defer s.removeConn(sc)
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "handleConnection",
				"connection_id": sc.id,
				"panic":         fmt.Sprintf("%v", r),
			}).Error("Connection handler panicked")
		}
	}()

	for {
		frame, err := transport.ReadFrame(sc.conn, s.config.MaxFrameSize)
		if err != nil {
			// EOF, peer reset, or oversized frame: transport-level, not
			// convertible to a response.
			return
		}

		if !sc.handshakeComplete {
			if err := s.acceptHandshake(sc, frame); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":      "handleConnection",
					"connection_id": sc.id,
					"error":         err.Error(),
				}).Warn("Handshake failed, dropping connection")
				return
			}
			continue
		}

		response := s.dispatch(sc, frame)
		ciphertext, err := s.engine.Encrypt(sc.sessionID, response)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "handleConnection",
				"connection_id": sc.id,
				"error":         err.Error(),
			}).Warn("Response encryption failed, dropping connection")
			return
		}
		if err := transport.WriteFrame(sc.conn, ciphertext); err != nil {
			return
		}
	}
}

// acceptHandshake consumes the client's initiation frame and writes the
// handshake response.
func (s *Server) acceptHandshake(sc *serverConn, frame []byte) error {
	sessionID, response, err := s.engine.Accept(s.engineHandle, frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if err := transport.WriteFrame(sc.conn, response); err != nil {
		_ = s.engine.Close(sessionID)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	peerIdentity, err := s.engine.PeerIdentity(sessionID)
	if err != nil {
		_ = s.engine.Close(sessionID)
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	sc.sessionID = sessionID
	sc.peerIdentity = peerIdentity
	sc.handshakeComplete = true

	logrus.WithFields(logrus.Fields{
		"function":      "acceptHandshake",
		"connection_id": sc.id,
		"peer":          peerIdentity[:16],
	}).Debug("Handshake complete")
	return nil
}

// dispatch decrypts and answers one post-handshake frame. Decrypt, parse,
// and handler failures become error envelopes rather than dropped
// connections; the caller encrypts and writes whatever comes back.
func (s *Server) dispatch(sc *serverConn, frame []byte) []byte {
	plaintext, err := s.engine.Decrypt(sc.sessionID, frame)
	if err != nil {
		return marshalErrorEnvelope(payment.CodeDecryptFailed, "could not decrypt message")
	}

	kind, err := payment.EnvelopeType(plaintext)
	if err != nil {
		return marshalErrorEnvelope(payment.CodeInvalidRequest, err.Error())
	}

	switch kind {
	case payment.TypePing:
		return payment.MarshalPong()
	case payment.TypeRequestReceipt:
		request, err := payment.ParseRequest(plaintext)
		if err != nil {
			return marshalErrorEnvelope(payment.CodeInvalidRequest, err.Error())
		}
		return s.invokeHandler(sc, request)
	case payment.TypePrivateEndpointOffer:
		offer, err := payment.ParseEndpointOffer(plaintext)
		if err != nil {
			return marshalErrorEnvelope(payment.CodeInvalidRequest, err.Error())
		}
		return s.invokeOfferHandler(sc, offer)
	default:
		return marshalErrorEnvelope(payment.CodeInvalidRequest, fmt.Sprintf("unexpected envelope type %q", kind))
	}
}

// invokeHandler runs the business-logic handler, converting errors and
// panics into error envelopes so one bad request cannot kill the
// connection, let alone the server.
func (s *Server) invokeHandler(sc *serverConn, request *payment.Request) (response []byte) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "invokeHandler",
				"connection_id": sc.id,
				"receipt_id":    request.ReceiptID,
				"panic":         fmt.Sprintf("%v", r),
			}).Error("Message handler panicked")
			response = marshalErrorEnvelope(payment.CodeInternal, "internal error")
		}
	}()

	confirmation, err := s.handler.Handle(request, sc.peerIdentity)
	if err != nil {
		var fault *Fault
		if errors.As(err, &fault) {
			return marshalErrorEnvelope(fault.Code, fault.Message)
		}
		return marshalErrorEnvelope(payment.CodeHandlerError, err.Error())
	}

	data, err := confirmation.Marshal()
	if err != nil {
		return marshalErrorEnvelope(payment.CodeInternal, "failed to serialize confirmation")
	}

	logrus.WithFields(logrus.Fields{
		"function":      "invokeHandler",
		"connection_id": sc.id,
		"receipt_id":    request.ReceiptID,
	}).Info("Receipt confirmed")
	return data
}

// invokeOfferHandler routes a private endpoint offer to the handler when
// it accepts them, acknowledging with a pong. Offers are one-way: there
// is no payload to return, only an ack or an error envelope.
func (s *Server) invokeOfferHandler(sc *serverConn, offer *payment.EndpointOffer) (response []byte) {
	offerHandler, ok := s.handler.(EndpointOfferHandler)
	if !ok {
		return marshalErrorEnvelope(payment.CodeInvalidRequest, "endpoint offers not supported")
	}
	if offer.Expired(time.Now()) {
		return marshalErrorEnvelope(payment.CodeInvalidRequest, "endpoint offer expired")
	}

	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "invokeOfferHandler",
				"connection_id": sc.id,
				"method_id":     offer.MethodID,
				"panic":         fmt.Sprintf("%v", r),
			}).Error("Endpoint offer handler panicked")
			response = marshalErrorEnvelope(payment.CodeInternal, "internal error")
		}
	}()

	if err := offerHandler.HandleEndpointOffer(offer, sc.peerIdentity); err != nil {
		var fault *Fault
		if errors.As(err, &fault) {
			return marshalErrorEnvelope(fault.Code, fault.Message)
		}
		return marshalErrorEnvelope(payment.CodeHandlerError, err.Error())
	}

	logrus.WithFields(logrus.Fields{
		"function":      "invokeOfferHandler",
		"connection_id": sc.id,
		"method_id":     offer.MethodID,
	}).Info("Private endpoint offer accepted")
	return payment.MarshalPong()
}

// marshalErrorEnvelope serializes an error envelope; serialization of
// these cannot realistically fail, but fall back to a constant if it
// does.
func marshalErrorEnvelope(code, message string) []byte {
	data, err := payment.NewErrorEnvelope(code, message).Marshal()
	if err != nil {
		return []byte(`{"type":"error","code":"internal","message":"internal error"}`)
	}
	return data
}

// removeConn drops a connection from the table and releases its socket
// and session.
func (s *Server) removeConn(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc.id)
	s.mu.Unlock()

	if sc.sessionID != "" {
		_ = s.engine.Close(sc.sessionID)
	}
	_ = sc.conn.Close()

	logrus.WithFields(logrus.Fields{
		"function":      "removeConn",
		"connection_id": sc.id,
	}).Debug("Connection closed")
}

// Stop shuts the server down: the listener closes, every tracked
// connection is force-closed, and all handler goroutines are awaited.
// Safe to call with no connections, and idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	listener := s.listener
	s.listener = nil
	engineHandle := s.engineHandle
	s.engineHandle = ""
	open := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		open = append(open, sc)
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, sc := range open {
		_ = sc.conn.Close()
	}
	s.wg.Wait()

	if engineHandle != "" {
		if closer, ok := s.engine.(interface{ CloseHandle(string) }); ok {
			closer.CloseHandle(engineHandle)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"port":     s.port,
	}).Info("Payment session server stopped")
}

// Status returns a point-in-time view of the server.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:           s.running,
		Port:              s.port,
		PublicKeyHex:      s.publicKeyHex,
		ActiveConnections: len(s.conns),
		TotalAccepted:     s.totalAccepted,
	}
}

// ConnectionCount returns the number of connections currently tracked.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
