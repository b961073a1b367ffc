package proxy

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// AuthType names a PostgreSQL authentication method.
type AuthType string

const (
	AuthCleartext   AuthType = "cleartext_password"
	AuthMD5         AuthType = "md5"
	AuthScramSHA256 AuthType = "scram-sha-256"
)

// TokenResponder completes one backend authentication exchange, supplying
// the fetched token as the password material the advertised method expects.
// The set of variants is closed: one per challenge the backend can propose.
type TokenResponder interface {
	// Name returns the auth method name.
	Name() AuthType

	// Authenticate drives the exchange from the given challenge until the
	// backend sends AuthenticationOk. A backend rejection surfaces as an
	// *AuthRejectedError so the connector can apply its single retry.
	Authenticate(frontend *pgproto3.Frontend, challenge pgproto3.BackendMessage, username, token string) error
}

// AuthRejectedError reports that the backend refused the supplied token.
type AuthRejectedError struct {
	Response *pgproto3.ErrorResponse
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("backend rejected authentication: %s (%s)", e.Response.Message, e.Response.Code)
}

// responderFor selects the responder variant for the backend's challenge.
func responderFor(challenge pgproto3.BackendMessage) (TokenResponder, error) {
	switch m := challenge.(type) {
	case *pgproto3.AuthenticationCleartextPassword:
		return &CleartextResponder{}, nil
	case *pgproto3.AuthenticationMD5Password:
		return &MD5Responder{Salt: m.Salt}, nil
	case *pgproto3.AuthenticationSASL:
		return &ScramResponder{Mechanisms: m.AuthMechanisms}, nil
	default:
		return nil, fmt.Errorf("unsupported backend auth challenge %T", challenge)
	}
}

// awaitAuthOk reads backend messages until AuthenticationOk. Intermediate
// ErrorResponses become AuthRejectedErrors.
func awaitAuthOk(frontend *pgproto3.Frontend) error {
	for {
		msg, err := frontend.Receive()
		if err != nil {
			return fmt.Errorf("receiving auth completion: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			return nil
		case *pgproto3.ErrorResponse:
			return &AuthRejectedError{Response: m}
		case *pgproto3.NoticeResponse:
			// Notices during auth are ignorable.
		default:
			return fmt.Errorf("unexpected backend message %T during authentication", msg)
		}
	}
}
