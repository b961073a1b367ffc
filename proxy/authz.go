package proxy

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/hashicorp/go-hclog"
)

// connectAction is the single Casbin action this proxy enforces. The relay
// is protocol-blind, so authorization happens once, at connect time, on the
// (user, database) pair from the startup message.
const connectAction = "connect"

// Authorizer performs Casbin-based connect-time authorization.
type Authorizer struct {
	enforcer *casbin.Enforcer
	logger   hclog.Logger
}

// NewAuthorizer creates a new Authorizer with the given Casbin model and
// policy files. Returns nil if either path is empty (authorization disabled).
func NewAuthorizer(modelPath, policyPath string, logger hclog.Logger) (*Authorizer, error) {
	if modelPath == "" || policyPath == "" {
		return nil, nil //nolint:nilnil
	}

	enforcer, err := casbin.NewEnforcer(modelPath, policyPath)
	if err != nil {
		return nil, fmt.Errorf("creating casbin enforcer: %w", err)
	}

	return &Authorizer{
		enforcer: enforcer,
		logger:   logger,
	}, nil
}

// Authorize checks whether the given user may connect to the given database.
func (a *Authorizer) Authorize(username, database string) (bool, error) {
	if a == nil || a.enforcer == nil {
		return true, nil
	}

	allowed, err := a.enforcer.Enforce(username, database, connectAction)
	if err != nil {
		return false, fmt.Errorf("casbin enforce error: %w", err)
	}
	if !allowed {
		a.logger.Debug("Connect authorization denied", "user", username, "database", database)
	}
	return allowed, nil
}

// ReloadPolicy reloads the Casbin policy from the backing store.
func (a *Authorizer) ReloadPolicy() error {
	if a == nil || a.enforcer == nil {
		return nil
	}
	return a.enforcer.LoadPolicy()
}
