package proxy

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// CleartextResponder answers an AuthenticationCleartextPassword challenge.
// IAM-style tokens are designed for this method: the token is the literal
// password value.
type CleartextResponder struct{}

// Name returns the auth method name.
func (r *CleartextResponder) Name() AuthType {
	return AuthCleartext
}

// Authenticate sends the token as the password and waits for completion.
func (r *CleartextResponder) Authenticate(
	frontend *pgproto3.Frontend, _ pgproto3.BackendMessage, _ string, token string,
) error {
	frontend.Send(&pgproto3.PasswordMessage{Password: token})
	if err := frontend.Flush(); err != nil {
		return fmt.Errorf("sending password message: %w", err)
	}
	return awaitAuthOk(frontend)
}
