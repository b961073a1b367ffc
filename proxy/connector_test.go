package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTokenProvider hands out scripted tokens and records who asked.
type stubTokenProvider struct {
	mu     sync.Mutex
	tokens []string
	err    error
	users  []string
}

func (p *stubTokenProvider) FetchToken(_ context.Context, _ string, _ int, _ string, username string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, username)
	if p.err != nil {
		return "", p.err
	}
	idx := len(p.users) - 1
	if idx >= len(p.tokens) {
		idx = len(p.tokens) - 1
	}
	return p.tokens[idx], nil
}

func (p *stubTokenProvider) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.users...)
}

// backendRecorder captures what a scripted backend observed on the wire.
type backendRecorder struct {
	mu        sync.Mutex
	startups  []map[string]string
	passwords []string
}

func (r *backendRecorder) recordStartup(params map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startups = append(r.startups, params)
}

func (r *backendRecorder) recordPassword(password string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passwords = append(r.passwords, password)
}

func (r *backendRecorder) seenStartups() []map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]string(nil), r.startups...)
}

func (r *backendRecorder) seenPasswords() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.passwords...)
}

func startBackendListener(t *testing.T, handle func(net.Conn)) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	t.Cleanup(func() { listener.Close() }) //nolint:errcheck
	return listener
}

func sendBackendGreeting(backend *pgproto3.Backend) error {
	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.3"})
	backend.Send(&pgproto3.ParameterStatus{Name: "server_encoding", Value: "UTF8"})
	backend.Send(&pgproto3.BackendKeyData{ProcessID: 4242, SecretKey: 1717})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}

// cleartextHandshake runs a cleartext login on the server side. It returns
// the backend and true once the greeting went out, false when the password
// was refused.
func (r *backendRecorder) cleartextHandshake(conn net.Conn, accept func(password string) bool) (*pgproto3.Backend, bool) {
	backend := pgproto3.NewBackend(conn, conn)

	startup, err := backend.ReceiveStartupMessage()
	if err != nil {
		return nil, false
	}
	msg, ok := startup.(*pgproto3.StartupMessage)
	if !ok {
		return nil, false
	}
	r.recordStartup(msg.Parameters)

	backend.Send(&pgproto3.AuthenticationCleartextPassword{})
	if backend.Flush() != nil {
		return nil, false
	}
	if backend.SetAuthType(pgproto3.AuthTypeCleartextPassword) != nil {
		return nil, false
	}

	resp, err := backend.Receive()
	if err != nil {
		return nil, false
	}
	password, ok := resp.(*pgproto3.PasswordMessage)
	if !ok {
		return nil, false
	}
	r.recordPassword(password.Password)

	if !accept(password.Password) {
		backend.Send(&pgproto3.ErrorResponse{
			Severity:            "FATAL",
			SeverityUnlocalized: "FATAL",
			Code:                "28P01",
			Message:             "password authentication failed",
		})
		backend.Flush() //nolint:errcheck
		return nil, false
	}

	if sendBackendGreeting(backend) != nil {
		return nil, false
	}
	return backend, true
}

// serveCleartext authenticates and leaves the connection open.
func (r *backendRecorder) serveCleartext(accept func(password string) bool) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		if _, ok := r.cleartextHandshake(conn, accept); !ok {
			return
		}
		io.Copy(io.Discard, conn) //nolint:errcheck
	}
}

// serveCleartextEcho authenticates and then echoes every raw byte back.
func (r *backendRecorder) serveCleartextEcho(accept func(password string) bool) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		if _, ok := r.cleartextHandshake(conn, accept); !ok {
			return
		}
		// Nothing is buffered at this point: the client side stays silent
		// until it has seen ReadyForQuery.
		io.Copy(conn, conn) //nolint:errcheck
	}
}

// serveTrust completes the handshake without asking for a password.
func (r *backendRecorder) serveTrust() func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		backend := pgproto3.NewBackend(conn, conn)
		startup, err := backend.ReceiveStartupMessage()
		if err != nil {
			return
		}
		if msg, ok := startup.(*pgproto3.StartupMessage); ok {
			r.recordStartup(msg.Parameters)
		}
		if sendBackendGreeting(backend) != nil {
			return
		}
		io.Copy(io.Discard, conn) //nolint:errcheck
	}
}

func acceptAny(string) bool { return true }

func backendTestConfig(addr string) *Config {
	cfg := DefaultConfig()
	cfg.BackendAddress = addr
	cfg.Database = DatabaseEndpoint{
		Host:   "db.cluster.internal",
		Port:   5432,
		Region: "us-east-1",
	}
	cfg.TLS.Mode = TLSDisabled
	cfg.Timeouts = TimeoutConfigValues{
		ConnectSeconds:    2,
		HandshakeSeconds:  5,
		TokenFetchSeconds: 2,
	}
	return cfg
}

func newTestConnector(cfg *Config, tokens TokenProvider) *Connector {
	return &Connector{
		Logger: testLogger(),
		Config: cfg,
		Tokens: tokens,
	}
}

func startupInfo(username, database string) *StartupInfo {
	return &StartupInfo{
		Username: username,
		Database: database,
		Parameters: map[string]string{
			"user":             username,
			"database":         database,
			"application_name": "psql",
		},
	}
}

func TestConnector_CleartextExchange(t *testing.T) {
	recorder := &backendRecorder{}
	listener := startBackendListener(t, recorder.serveCleartext(acceptAny))

	tokens := &stubTokenProvider{tokens: []string{"iam-token-1"}}
	connector := newTestConnector(backendTestConfig(listener.Addr().String()), tokens)

	backend, err := connector.Connect(context.Background(), startupInfo("app_user", "appdb"))
	require.NoError(t, err)
	defer backend.Conn.Close()

	// The token stood in as the password; the provider saw the right user.
	assert.Equal(t, []string{"iam-token-1"}, recorder.seenPasswords())
	assert.Equal(t, []string{"app_user"}, tokens.calls())

	startups := recorder.seenStartups()
	require.Len(t, startups, 1)
	assert.Equal(t, "app_user", startups[0]["user"])
	assert.Equal(t, "appdb", startups[0]["database"])
	assert.Equal(t, "psql", startups[0]["application_name"])

	// The captured greeting starts with the first post-auth frame and ends
	// with ReadyForQuery.
	require.NotEmpty(t, backend.Greeting)
	assert.Equal(t, byte('S'), backend.Greeting[0])
	assert.Equal(t, byte('Z'), backend.Greeting[len(backend.Greeting)-6])
}

func TestConnector_SubstitutedUsernameReachesBackend(t *testing.T) {
	recorder := &backendRecorder{}
	listener := startBackendListener(t, recorder.serveCleartext(acceptAny))

	tokens := &stubTokenProvider{tokens: []string{"iam-token-1"}}
	connector := newTestConnector(backendTestConfig(listener.Addr().String()), tokens)

	// The client asked for "alice" but the resolved identity is the override.
	info := startupInfo("svc_account", "appdb")
	info.Parameters["user"] = "alice"

	backend, err := connector.Connect(context.Background(), info)
	require.NoError(t, err)
	defer backend.Conn.Close()

	startups := recorder.seenStartups()
	require.Len(t, startups, 1)
	assert.Equal(t, "svc_account", startups[0]["user"])
	assert.Equal(t, []string{"svc_account"}, tokens.calls())
}

func TestConnector_TrustBackend(t *testing.T) {
	recorder := &backendRecorder{}
	listener := startBackendListener(t, recorder.serveTrust())

	tokens := &stubTokenProvider{tokens: []string{"iam-token-1"}}
	connector := newTestConnector(backendTestConfig(listener.Addr().String()), tokens)

	backend, err := connector.Connect(context.Background(), startupInfo("app_user", "appdb"))
	require.NoError(t, err)
	defer backend.Conn.Close()

	assert.Empty(t, recorder.seenPasswords())
	assert.NotEmpty(t, backend.Greeting)
}

func TestConnector_RetriesOnceWithFreshToken(t *testing.T) {
	recorder := &backendRecorder{}
	listener := startBackendListener(t, recorder.serveCleartext(func(password string) bool {
		return password == "fresh-token"
	}))

	tokens := &stubTokenProvider{tokens: []string{"stale-token", "fresh-token"}}
	connector := newTestConnector(backendTestConfig(listener.Addr().String()), tokens)

	backend, err := connector.Connect(context.Background(), startupInfo("app_user", "appdb"))
	require.NoError(t, err)
	defer backend.Conn.Close()

	// One rejection, one fresh fetch, one success. Never a third attempt.
	assert.Equal(t, []string{"stale-token", "fresh-token"}, recorder.seenPasswords())
	assert.Equal(t, []string{"app_user", "app_user"}, tokens.calls())
}

func TestConnector_FailsAfterSecondRejection(t *testing.T) {
	recorder := &backendRecorder{}
	listener := startBackendListener(t, recorder.serveCleartext(func(string) bool { return false }))

	tokens := &stubTokenProvider{tokens: []string{"token-a", "token-b"}}
	connector := newTestConnector(backendTestConfig(listener.Addr().String()), tokens)

	_, err := connector.Connect(context.Background(), startupInfo("app_user", "appdb"))
	require.Error(t, err)
	assert.Equal(t, FailureBackendAuthFailed, failureKind(err))
	assert.Len(t, recorder.seenPasswords(), 2)
}

func TestConnector_BackendUnreachable(t *testing.T) {
	// Grab a port that is guaranteed closed.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	tokens := &stubTokenProvider{tokens: []string{"token"}}
	connector := newTestConnector(backendTestConfig(addr), tokens)

	_, err = connector.Connect(context.Background(), startupInfo("app_user", "appdb"))
	require.Error(t, err)
	assert.Equal(t, FailureBackendUnreachable, failureKind(err))
	// No token is minted for a backend that never answered.
	assert.Empty(t, tokens.calls())
}

func TestConnector_TokenFetchFailure(t *testing.T) {
	recorder := &backendRecorder{}
	listener := startBackendListener(t, recorder.serveCleartext(acceptAny))

	tokens := &stubTokenProvider{err: errors.New("no credentials in chain")}
	connector := newTestConnector(backendTestConfig(listener.Addr().String()), tokens)

	_, err := connector.Connect(context.Background(), startupInfo("app_user", "appdb"))
	require.Error(t, err)
	assert.Equal(t, FailureCredentialError, failureKind(err))
	// The backend never saw an authentication attempt.
	assert.Empty(t, recorder.seenPasswords())
}
