package proxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	sslRequestCode    = 80877103
	cancelRequestCode = 80877102
	gssEncRequestCode = 80877104

	// maxStartupPacketLength matches the PostgreSQL server limit.
	maxStartupPacketLength = 10000

	paramUser     = "user"
	paramDatabase = "database"
)

// StartupInfo is what the interceptor learned from the client's opening
// handshake. RawStartup holds the startup payload as received (protocol
// version included, length word excluded).
type StartupInfo struct {
	Username   string
	Database   string
	Parameters map[string]string
	RawStartup []byte
}

// Interceptor reads just enough of the client handshake to learn the
// requested identity. It never writes a handshake result to the client;
// the only writes are single-byte denials of SSL/GSS encryption requests,
// which the protocol requires before the startup message can arrive.
type Interceptor struct {
	Logger           hclog.Logger
	UsernameOverride string
}

// Intercept consumes the client's startup preamble and returns the
// negotiated identity. Encryption requests are answered with 'N' (the proxy
// leg to the client is cleartext); cancel requests and non-3.x protocol
// versions fail the session.
func (i *Interceptor) Intercept(conn net.Conn) (*StartupInfo, error) {
	for {
		code, payload, err := readStartupFrame(conn)
		if err != nil {
			return nil, failure(FailureProtocolError, "reading startup frame: %w", err)
		}

		switch code {
		case sslRequestCode, gssEncRequestCode:
			// The client leg stays cleartext, as the upstream proxy leg
			// carries the TLS requirement.
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return nil, failure(FailureProtocolError, "denying encryption request: %w", err)
			}
			continue
		case cancelRequestCode:
			return nil, failure(FailureUnsupportedProtocol, "%w", ErrCancelRequest)
		case pgproto3.ProtocolVersionNumber:
			return i.parseStartup(payload)
		default:
			return nil, failure(FailureUnsupportedProtocol,
				"%w: %d.%d", ErrUnsupportedProtocol, code>>16, code&0xffff)
		}
	}
}

// parseStartup decodes the startup message and extracts user and database.
func (i *Interceptor) parseStartup(payload []byte) (*StartupInfo, error) {
	var msg pgproto3.StartupMessage
	if err := msg.Decode(payload); err != nil {
		return nil, failure(FailureProtocolError, "decoding startup message: %w", err)
	}

	user := msg.Parameters[paramUser]
	if user == "" {
		return nil, failure(FailureProtocolError, "%w", ErrNoUser)
	}

	database := msg.Parameters[paramDatabase]
	if database == "" {
		// PostgreSQL convention: the database defaults to the username.
		database = user
	}

	username := user
	if i.UsernameOverride != "" {
		username = i.UsernameOverride
		i.Logger.Debug("Overriding client username", "requested", user, "using", username)
	}

	i.Logger.Debug("Client startup", "user", username, "database", database)

	return &StartupInfo{
		Username:   username,
		Database:   database,
		Parameters: msg.Parameters,
		RawStartup: payload,
	}, nil
}

// readStartupFrame reads one length-prefixed startup-phase frame. Exact
// reads only; nothing beyond the frame is consumed, so the socket can be
// handed to the relay without replaying buffered bytes.
func readStartupFrame(r io.Reader) (uint32, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("reading frame length: %w", err)
	}

	frameLen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if frameLen < 8 || frameLen > maxStartupPacketLength {
		return 0, nil, fmt.Errorf("invalid startup packet length %d", frameLen)
	}

	payload := make([]byte, frameLen-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("reading frame payload: %w", err)
	}

	return binary.BigEndian.Uint32(payload[:4]), payload, nil
}

// DiscardPipelinedPassword drops a password-response frame the client may
// have pipelined after its startup message. The client's password bytes are
// never forwarded or inspected. Any other bytes already on the wire are
// returned so the relay can replay them to the backend.
func DiscardPipelinedPassword(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	pending := append([]byte(nil), buf[:n]...)

	// A PasswordMessage frame ('p' tag) is silently dropped, reading out the
	// remainder if the client is still mid-send so no password byte can ever
	// reach the relay.
	if len(pending) >= 5 && pending[0] == 'p' {
		frameLen := int(binary.BigEndian.Uint32(pending[1:5]))
		total := 1 + frameLen
		if frameLen >= 4 && frameLen <= maxStartupPacketLength {
			for len(pending) < total {
				m, err := conn.Read(buf)
				if err != nil {
					return nil, err
				}
				pending = append(pending, buf[:m]...)
			}
			return pending[total:], nil
		}
	}
	return pending, nil
}

// prefixConn replays already-consumed bytes before reading from the
// underlying connection.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func newPrefixConn(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &prefixConn{Conn: conn, prefix: prefix}
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}
