package proxy

import (
	"errors"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponderFor(t *testing.T) {
	tests := []struct {
		name      string
		challenge pgproto3.BackendMessage
		want      AuthType
		wantErr   bool
	}{
		{"cleartext", &pgproto3.AuthenticationCleartextPassword{}, AuthCleartext, false},
		{"md5", &pgproto3.AuthenticationMD5Password{Salt: [4]byte{1, 2, 3, 4}}, AuthMD5, false},
		{"sasl", &pgproto3.AuthenticationSASL{AuthMechanisms: []string{scramSHA256Mechanism}}, AuthScramSHA256, false},
		{"gss", &pgproto3.AuthenticationGSS{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responder, err := responderFor(tt.challenge)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, responder.Name())
		})
	}
}

func TestCleartextResponder_SendsTokenVerbatim(t *testing.T) {
	proxyEnd, backendEnd := net.Pipe()
	defer proxyEnd.Close()
	defer backendEnd.Close()

	received := make(chan string, 1)
	go func() {
		defer close(received)
		backend := pgproto3.NewBackend(backendEnd, backendEnd)
		if err := backend.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
			return
		}
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		password, ok := msg.(*pgproto3.PasswordMessage)
		if !ok {
			return
		}
		received <- password.Password
		backend.Send(&pgproto3.AuthenticationOk{})
		backend.Flush() //nolint:errcheck
	}()

	frontend := pgproto3.NewFrontend(proxyEnd, proxyEnd)
	responder := &CleartextResponder{}
	err := responder.Authenticate(frontend, &pgproto3.AuthenticationCleartextPassword{}, "app_user", "iam-token-xyz")
	require.NoError(t, err)

	// The token goes over the wire untouched; the client's own password never
	// enters this exchange.
	assert.Equal(t, "iam-token-xyz", <-received)
}

func TestCleartextResponder_BackendRejection(t *testing.T) {
	proxyEnd, backendEnd := net.Pipe()
	defer proxyEnd.Close()
	defer backendEnd.Close()

	go func() {
		backend := pgproto3.NewBackend(backendEnd, backendEnd)
		if err := backend.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
			return
		}
		if _, err := backend.Receive(); err != nil {
			return
		}
		backend.Send(&pgproto3.ErrorResponse{
			Severity: "FATAL",
			Code:     "28P01",
			Message:  "password authentication failed",
		})
		backend.Flush() //nolint:errcheck
	}()

	frontend := pgproto3.NewFrontend(proxyEnd, proxyEnd)
	responder := &CleartextResponder{}
	err := responder.Authenticate(frontend, &pgproto3.AuthenticationCleartextPassword{}, "app_user", "expired-token")
	require.Error(t, err)

	var rejected *AuthRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "28P01", rejected.Response.Code)
}

func TestAwaitAuthOk_IgnoresNotices(t *testing.T) {
	proxyEnd, backendEnd := net.Pipe()
	defer proxyEnd.Close()
	defer backendEnd.Close()

	go func() {
		backend := pgproto3.NewBackend(backendEnd, backendEnd)
		backend.Send(&pgproto3.NoticeResponse{Severity: "NOTICE", Message: "connection logged"})
		backend.Send(&pgproto3.AuthenticationOk{})
		backend.Flush() //nolint:errcheck
	}()

	frontend := pgproto3.NewFrontend(proxyEnd, proxyEnd)
	assert.NoError(t, awaitAuthOk(frontend))
}
