package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgproto3"
)

// BackendConn is an authenticated backend connection plus the greeting the
// backend sent between AuthenticationOk and ReadyForQuery, pre-encoded for
// replay to the client.
type BackendConn struct {
	Conn     net.Conn
	Greeting []byte
}

// Connector establishes and authenticates the backend leg of a session.
// It never touches the client socket.
type Connector struct {
	Logger hclog.Logger
	Config *Config
	Tokens TokenProvider

	// OnAuthenticating, when set, is called once the transport is ready and
	// the credential exchange is about to start (again on retry).
	OnAuthenticating func()
}

// Connect opens the backend connection, authenticates it with a freshly
// fetched token, and drains the handshake through ReadyForQuery. A backend
// rejection of the token is retried exactly once with a fresh fetch to
// absorb clock-skew-induced rejection.
func (c *Connector) Connect(ctx context.Context, info *StartupInfo) (*BackendConn, error) {
	backendConn, err := c.connectOnce(ctx, info)
	if err == nil {
		return backendConn, nil
	}

	var rejected *AuthRejectedError
	if !errors.As(err, &rejected) {
		return nil, err
	}

	c.Logger.Info("Backend rejected token, retrying with a fresh fetch",
		"user", info.Username, "code", rejected.Response.Code)
	AuthRetries.Inc()
	if inv, ok := c.Tokens.(TokenInvalidator); ok {
		inv.Invalidate(c.Config.Database.Host, c.Config.Database.Port, info.Username)
	}

	backendConn, err = c.connectOnce(ctx, info)
	if err == nil {
		return backendConn, nil
	}
	if errors.As(err, &rejected) {
		return nil, failure(FailureBackendAuthFailed, "%w", rejected)
	}
	return nil, err
}

// connectOnce performs one full dial-upgrade-authenticate cycle. Token
// rejections are returned as bare *AuthRejectedError so Connect can decide
// about the retry.
func (c *Connector) connectOnce(ctx context.Context, info *StartupInfo) (*BackendConn, error) {
	conn, err := net.DialTimeout("tcp", c.Config.BackendAddr(), c.Config.ConnectTimeout())
	if err != nil {
		return nil, failure(FailureBackendUnreachable, "connecting to backend %s: %w", c.Config.BackendAddr(), err)
	}

	backendConn, err := c.authenticate(ctx, conn, info)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	return backendConn, nil
}

func (c *Connector) authenticate(ctx context.Context, conn net.Conn, info *StartupInfo) (*BackendConn, error) {
	// The whole handshake, TLS included, runs under one deadline.
	if err := conn.SetDeadline(time.Now().Add(c.Config.HandshakeTimeout())); err != nil {
		return nil, failure(FailureBackendUnreachable, "setting handshake deadline: %w", err)
	}

	conn, err := c.maybeUpgradeTLS(conn)
	if err != nil {
		return nil, err
	}

	if c.OnAuthenticating != nil {
		c.OnAuthenticating()
	}

	token, err := c.fetchToken(ctx, info.Username)
	if err != nil {
		return nil, err
	}

	frontend := pgproto3.NewFrontend(conn, conn)

	// A fresh startup message is built rather than replaying the client's
	// raw frame: the username may be overridden and the password exchange
	// that follows belongs to the proxy, not the client.
	params := make(map[string]string, len(info.Parameters))
	for k, v := range info.Parameters {
		params[k] = v
	}
	params[paramUser] = info.Username
	params[paramDatabase] = info.Database

	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      params,
	})
	if err := frontend.Flush(); err != nil {
		return nil, failure(FailureBackendUnreachable, "sending startup message: %w", err)
	}

	challenge, err := frontend.Receive()
	if err != nil {
		return nil, failure(FailureBackendUnreachable, "receiving auth challenge: %w", err)
	}

	switch m := challenge.(type) {
	case *pgproto3.AuthenticationOk:
		// Trust-configured backend; nothing to answer.
	case *pgproto3.ErrorResponse:
		return nil, &AuthRejectedError{Response: copyErrorResponse(m)}
	default:
		responder, err := responderFor(challenge)
		if err != nil {
			return nil, failure(FailureProtocolError, "%w", err)
		}
		c.Logger.Debug("Answering backend auth challenge",
			"method", responder.Name(), "user", info.Username)
		if err := responder.Authenticate(frontend, challenge, info.Username, token); err != nil {
			var rejected *AuthRejectedError
			if errors.As(err, &rejected) {
				return nil, rejected
			}
			return nil, failure(FailureProtocolError, "backend authentication: %w", err)
		}
	}

	greeting, err := drainGreeting(frontend)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, failure(FailureBackendUnreachable, "clearing handshake deadline: %w", err)
	}

	return &BackendConn{Conn: conn, Greeting: greeting}, nil
}

// maybeUpgradeTLS performs the in-band SSLRequest negotiation and wraps the
// connection per the configured mode. The TLS server name is always the
// real database host, even when dialing a tunnel endpoint.
func (c *Connector) maybeUpgradeTLS(conn net.Conn) (net.Conn, error) {
	if c.Config.TLS.Mode == TLSDisabled {
		return conn, nil
	}

	sslRequest, err := (&pgproto3.SSLRequest{}).Encode(nil)
	if err != nil {
		return nil, failure(FailureTLSError, "encoding SSL request: %w", err)
	}
	if _, err := conn.Write(sslRequest); err != nil {
		return nil, failure(FailureTLSError, "sending SSL request: %w", err)
	}

	var response [1]byte
	if _, err := io.ReadFull(conn, response[:]); err != nil {
		return nil, failure(FailureTLSError, "reading SSL response: %w", err)
	}
	if response[0] != 'S' {
		return nil, failure(FailureTLSError, "backend does not support TLS (got %q)", response[0])
	}

	tlsConfig, err := c.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return nil, failure(FailureTLSError, "TLS handshake with backend: %w", err)
	}
	return tlsConn, nil
}

func (c *Connector) buildTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: c.Config.Database.Host,
	}

	switch c.Config.TLS.Mode {
	case TLSRequired:
		// Encryption without verification, matching sslmode=require.
		cfg.InsecureSkipVerify = true
	case TLSRequireVerifCA:
		if c.Config.TLS.CAFile != "" {
			pem, err := os.ReadFile(c.Config.TLS.CAFile)
			if err != nil {
				return nil, failure(FailureTLSError, "reading CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, failure(FailureTLSError, "no certificates found in %s", c.Config.TLS.CAFile)
			}
			cfg.RootCAs = pool
		}
	}
	return cfg, nil
}

func (c *Connector) fetchToken(ctx context.Context, username string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.Config.TokenFetchTimeout())
	defer cancel()

	token, err := c.Tokens.FetchToken(fetchCtx,
		c.Config.Database.Host, c.Config.Database.Port, c.Config.Database.Region, username)
	if err != nil {
		return "", failure(FailureCredentialError, "fetching auth token: %w", err)
	}
	return token, nil
}

// drainGreeting collects the backend's post-auth frames through
// ReadyForQuery. The frontend decoder buffers internally, so the greeting
// must be drained at the message layer before the raw socket is handed to
// the relay; the backend sends nothing further until the client speaks.
func drainGreeting(frontend *pgproto3.Frontend) ([]byte, error) {
	var greeting []byte
	for {
		msg, err := frontend.Receive()
		if err != nil {
			return nil, failure(FailureBackendUnreachable, "receiving backend greeting: %w", err)
		}

		switch msg.(type) {
		case *pgproto3.ParameterStatus, *pgproto3.BackendKeyData, *pgproto3.NoticeResponse:
			if greeting, err = msg.Encode(greeting); err != nil {
				return nil, failure(FailureProtocolError, "encoding backend greeting: %w", err)
			}
		case *pgproto3.ReadyForQuery:
			if greeting, err = msg.Encode(greeting); err != nil {
				return nil, failure(FailureProtocolError, "encoding backend greeting: %w", err)
			}
			return greeting, nil
		case *pgproto3.ErrorResponse:
			return nil, failure(FailureProtocolError, "backend error after authentication: %s",
				msg.(*pgproto3.ErrorResponse).Message)
		default:
			return nil, failure(FailureProtocolError, "unexpected backend message %T in greeting", msg)
		}
	}
}

// copyErrorResponse detaches an ErrorResponse from the decoder's reusable
// message struct so it can outlive the next Receive call.
func copyErrorResponse(m *pgproto3.ErrorResponse) *pgproto3.ErrorResponse {
	clone := *m
	return &clone
}
