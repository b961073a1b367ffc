package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/qmuntal/stateless"
)

// Session is the complete lifecycle of one client connection, from accept to
// close. It owns both sockets exclusively and releases them on every exit
// path. Nothing in a Session is shared with any other Session.
type Session struct {
	ID          uint64
	Logger      hclog.Logger
	Config      *Config
	Interceptor *Interceptor
	Connector   *Connector
	Authorizer  *Authorizer

	clientConn  net.Conn
	backendConn net.Conn
	fsm         *stateless.StateMachine
	createdAt   time.Time

	bytesFromClient atomic.Int64
	bytesToClient   atomic.Int64
	closeOnce       sync.Once
}

// NewSession wires a session for a freshly accepted client connection.
func NewSession(id uint64, logger hclog.Logger, cfg *Config, tokens TokenProvider, authorizer *Authorizer, clientConn net.Conn) *Session {
	sessionLogger := logger.With("session", id, "client", clientConn.RemoteAddr().String())
	s := &Session{
		ID:         id,
		Logger:     sessionLogger,
		Config:     cfg,
		Authorizer: authorizer,
		clientConn: clientConn,
		fsm:        newSessionFSM(sessionLogger),
		createdAt:  time.Now(),
	}
	s.Interceptor = &Interceptor{
		Logger:           sessionLogger,
		UsernameOverride: cfg.UsernameOverride,
	}
	s.Connector = &Connector{
		Logger: sessionLogger,
		Config: cfg,
		Tokens: tokens,
		OnAuthenticating: func() {
			s.transition(triggerAuthenticateBackend)
		},
	}
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return s.fsm.MustState().(SessionState)
}

// BytesFromClient returns how many bytes the relay carried client-to-backend.
func (s *Session) BytesFromClient() int64 {
	return s.bytesFromClient.Load()
}

// BytesToClient returns how many bytes the relay carried backend-to-client.
func (s *Session) BytesToClient() int64 {
	return s.bytesToClient.Load()
}

// Run drives the session through its lifecycle. Errors are terminal for the
// session only; the caller never propagates them beyond logging.
func (s *Session) Run(ctx context.Context) error {
	ActiveSessions.Inc()
	defer ActiveSessions.Dec()
	defer s.Close()

	err := s.run(ctx)
	if err != nil {
		kind := failureKind(err)
		phase := s.State()
		s.maybeSendClientError(kind, phase)
		s.transition(triggerFail)
		SessionFailures.WithLabelValues(string(kind)).Inc()
		s.Logger.Error("Session failed", "phase", phase, "kind", kind, "error", err)
		return err
	}

	s.transition(triggerClose)
	s.Logger.Info("Session closed",
		"duration", time.Since(s.createdAt).Round(time.Millisecond),
		"bytes_from_client", s.BytesFromClient(),
		"bytes_to_client", s.BytesToClient())
	return nil
}

func (s *Session) run(ctx context.Context) error {
	s.transition(triggerReadStartup)

	// The client handshake runs under the same bound as the backend one.
	if err := s.clientConn.SetReadDeadline(time.Now().Add(s.Config.HandshakeTimeout())); err != nil {
		return failure(FailureProtocolError, "setting client deadline: %w", err)
	}

	info, err := s.Interceptor.Intercept(s.clientConn)
	if err != nil {
		return err
	}

	if allowed, err := s.Authorizer.Authorize(info.Username, info.Database); err != nil {
		return failure(FailureAuthzDenied, "authorizing connect: %w", err)
	} else if !allowed {
		AuthzDenials.Inc()
		return failure(FailureAuthzDenied, "%w: user %q, database %q",
			ErrDatabaseNotAllowed, info.Username, info.Database)
	}

	s.transition(triggerConnectBackend)

	backend, err := s.Connector.Connect(ctx, info)
	if err != nil {
		return err
	}
	s.backendConn = backend.Conn

	// A client that pipelined a password response gets it dropped here; the
	// bytes never reach the backend or the logs.
	leftover, err := DiscardPipelinedPassword(s.clientConn)
	if err != nil {
		return failure(FailureProtocolError, "draining client handshake: %w", err)
	}

	s.transition(triggerCompleteHandshake)

	// The swapped authentication stays invisible: the client sees a plain
	// successful login followed by the backend's own greeting.
	authOk, err := (&pgproto3.AuthenticationOk{}).Encode(nil)
	if err != nil {
		return failure(FailureProtocolError, "encoding auth ok: %w", err)
	}
	if _, err := s.clientConn.Write(append(authOk, backend.Greeting...)); err != nil {
		return failure(FailureRelayIOError, "completing client handshake: %w", err)
	}

	if err := s.clientConn.SetReadDeadline(time.Time{}); err != nil {
		return failure(FailureRelayIOError, "clearing client deadline: %w", err)
	}

	s.transition(triggerRelay)

	result, relayErr := Relay(newPrefixConn(s.clientConn, leftover), s.backendConn)
	s.bytesFromClient.Store(result.ClientToBackend)
	s.bytesToClient.Store(result.BackendToClient)
	return relayErr
}

// Close releases both sockets. Safe to call from any goroutine and on every
// exit path.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.clientConn.Close() //nolint:errcheck
		if s.backendConn != nil {
			s.backendConn.Close() //nolint:errcheck
		}
	})
}

// transition fires a lifecycle trigger. An invalid transition is a
// programming error, not a session error; it is logged and the session
// continues.
func (s *Session) transition(trigger sessionTrigger) {
	if err := s.fsm.Fire(trigger); err != nil {
		s.Logger.Warn("Invalid session state transition", "trigger", trigger, "error", err)
	}
}

// maybeSendClientError synthesizes a protocol-appropriate failure response
// for clients still in the handshake. Clients already relaying see a plain
// connection drop instead, indistinguishable from a backend disconnect.
func (s *Session) maybeSendClientError(kind FailureKind, phase SessionState) {
	if phase == StateRelaying || phase == StateClosed {
		return
	}

	var code string
	switch kind {
	case FailureCredentialError, FailureBackendAuthFailed, FailureAuthzDenied:
		code = "28000" // invalid_authorization_specification
	case FailureProtocolError, FailureUnsupportedProtocol:
		code = "08P01" // protocol_violation
	default:
		code = "08006" // connection_failure
	}

	resp := &pgproto3.ErrorResponse{
		Severity:            "FATAL",
		SeverityUnlocalized: "FATAL",
		Code:                code,
		Message:             fmt.Sprintf("proxy: %s", kind),
	}
	if buf, err := resp.Encode(nil); err == nil {
		s.clientConn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck
		s.clientConn.Write(buf)                                    //nolint:errcheck
	}
}
