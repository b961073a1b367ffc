package proxy

import (
	"crypto/md5" //nolint:gosec // MD5 is required by the PostgreSQL protocol
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// saltSize is the length of the MD5 challenge salt.
const saltSize = 4

// MD5Responder answers an AuthenticationMD5Password challenge, hashing the
// token with the server-provided salt.
type MD5Responder struct {
	Salt [saltSize]byte
}

// Name returns the auth method name.
func (r *MD5Responder) Name() AuthType {
	return AuthMD5
}

// Authenticate sends the salted hash of the token and waits for completion.
func (r *MD5Responder) Authenticate(
	frontend *pgproto3.Frontend, _ pgproto3.BackendMessage, username, token string,
) error {
	frontend.Send(&pgproto3.PasswordMessage{Password: pgMD5Hash(token, username, r.Salt)})
	if err := frontend.Flush(); err != nil {
		return fmt.Errorf("sending MD5 password message: %w", err)
	}
	return awaitAuthOk(frontend)
}

// pgMD5Hash computes the PostgreSQL-style MD5 hash.
// Format: "md5" + md5(md5(password + username) + salt).
func pgMD5Hash(password, username string, salt [saltSize]byte) string {
	// First hash: md5(password + username)
	inner := md5.Sum([]byte(password + username)) //nolint:gosec
	innerHex := hex.EncodeToString(inner[:])

	// Second hash: md5(innerHex + salt)
	outer := md5.Sum(append([]byte(innerHex), salt[:]...)) //nolint:gosec
	return "md5" + hex.EncodeToString(outer[:])
}
