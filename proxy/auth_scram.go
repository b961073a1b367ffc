package proxy

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/xdg-go/scram"
)

const scramSHA256Mechanism = "SCRAM-SHA-256"

// ScramResponder answers an AuthenticationSASL challenge by running a
// SCRAM-SHA-256 conversation (RFC 5802) with the token as the password.
type ScramResponder struct {
	Mechanisms []string
}

// Name returns the auth method name.
func (r *ScramResponder) Name() AuthType {
	return AuthScramSHA256
}

// Authenticate runs the multi-round SASL exchange until AuthenticationOk.
func (r *ScramResponder) Authenticate(
	frontend *pgproto3.Frontend, _ pgproto3.BackendMessage, username, token string,
) error {
	if !r.supportsSHA256() {
		return fmt.Errorf("backend offers no supported SASL mechanism (offered %v)", r.Mechanisms)
	}

	client, err := scram.SHA256.NewClient(username, token, "")
	if err != nil {
		return fmt.Errorf("creating SCRAM client: %w", err)
	}
	conv := client.NewConversation()

	clientFirst, err := conv.Step("")
	if err != nil {
		return fmt.Errorf("SCRAM client-first: %w", err)
	}

	frontend.Send(&pgproto3.SASLInitialResponse{
		AuthMechanism: scramSHA256Mechanism,
		Data:          []byte(clientFirst),
	})
	if err := frontend.Flush(); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}

	for {
		msg, err := frontend.Receive()
		if err != nil {
			return fmt.Errorf("receiving SASL message: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.AuthenticationSASLContinue:
			clientFinal, err := conv.Step(string(m.Data))
			if err != nil {
				return fmt.Errorf("SCRAM client-final: %w", err)
			}
			frontend.Send(&pgproto3.SASLResponse{Data: []byte(clientFinal)})
			if err := frontend.Flush(); err != nil {
				return fmt.Errorf("sending SASL response: %w", err)
			}
		case *pgproto3.AuthenticationSASLFinal:
			// Verifies the server signature; a mismatch means the backend
			// does not hold the credential it claimed.
			if _, err := conv.Step(string(m.Data)); err != nil {
				return fmt.Errorf("verifying SCRAM server-final: %w", err)
			}
		case *pgproto3.AuthenticationOk:
			return nil
		case *pgproto3.ErrorResponse:
			return &AuthRejectedError{Response: m}
		case *pgproto3.NoticeResponse:
		default:
			return fmt.Errorf("unexpected backend message %T during SASL exchange", msg)
		}
	}
}

func (r *ScramResponder) supportsSHA256() bool {
	for _, m := range r.Mechanisms {
		if m == scramSHA256Mechanism {
			return true
		}
	}
	return false
}
