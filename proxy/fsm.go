package proxy

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/qmuntal/stateless"
)

// SessionState is a phase in the per-connection lifecycle.
type SessionState string

const (
	StateAccepted                SessionState = "accepted"
	StateClientHandshakeRead     SessionState = "client_handshake_read"
	StateBackendConnecting       SessionState = "backend_connecting"
	StateBackendAuthenticating   SessionState = "backend_authenticating"
	StateClientHandshakeComplete SessionState = "client_handshake_complete"
	StateRelaying                SessionState = "relaying"
	StateClosed                  SessionState = "closed"
	StateFailed                  SessionState = "failed"
)

type sessionTrigger string

const (
	triggerReadStartup         sessionTrigger = "read_startup"
	triggerConnectBackend      sessionTrigger = "connect_backend"
	triggerAuthenticateBackend sessionTrigger = "authenticate_backend"
	triggerCompleteHandshake   sessionTrigger = "complete_handshake"
	triggerRelay               sessionTrigger = "relay"
	triggerClose               sessionTrigger = "close"
	triggerFail                sessionTrigger = "fail"
)

// newSessionFSM builds the per-session state machine. Phases are strictly
// sequential; Failed is reachable from every non-terminal state. The
// authenticate trigger re-enters its own state to cover the single
// fresh-token retry, which dials and authenticates again.
func newSessionFSM(logger hclog.Logger) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateAccepted)

	fsm.Configure(StateAccepted).
		Permit(triggerReadStartup, StateClientHandshakeRead).
		Permit(triggerFail, StateFailed)
	fsm.Configure(StateClientHandshakeRead).
		Permit(triggerConnectBackend, StateBackendConnecting).
		Permit(triggerFail, StateFailed)
	fsm.Configure(StateBackendConnecting).
		Permit(triggerAuthenticateBackend, StateBackendAuthenticating).
		Permit(triggerFail, StateFailed)
	fsm.Configure(StateBackendAuthenticating).
		PermitReentry(triggerAuthenticateBackend).
		Permit(triggerCompleteHandshake, StateClientHandshakeComplete).
		Permit(triggerFail, StateFailed)
	fsm.Configure(StateClientHandshakeComplete).
		Permit(triggerRelay, StateRelaying).
		Permit(triggerFail, StateFailed)
	fsm.Configure(StateRelaying).
		Permit(triggerClose, StateClosed).
		Permit(triggerFail, StateFailed)

	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		logger.Debug("Session state changed", "from", t.Source, "to", t.Destination)
	})

	return fsm
}
