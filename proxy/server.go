package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Server is the connection supervisor: it owns the listen socket and spawns
// one independent Session per accepted connection. The only cross-session
// state is the immutable configuration, the token provider, and passive
// counters.
type Server struct {
	Logger hclog.Logger
	Config *Config
	Tokens TokenProvider

	authorizer *Authorizer
	listener   net.Listener
	nextID     atomic.Uint64

	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewServer builds a supervisor from validated configuration. The token
// provider defaults to the RDS IAM provider, wrapped in the short-TTL cache
// when one is configured.
func NewServer(logger hclog.Logger, cfg *Config) (*Server, error) {
	authorizer, err := newConfiguredAuthorizer(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		Logger:     logger,
		Config:     cfg,
		Tokens:     NewCachingTokenProvider(NewRDSTokenProvider(), cfg.TokenCacheTTL()),
		authorizer: authorizer,
		sessions:   make(map[*Session]struct{}),
		shutdown:   make(chan struct{}),
	}, nil
}

func newConfiguredAuthorizer(cfg *Config, logger hclog.Logger) (*Authorizer, error) {
	if !cfg.Authorization.Enabled {
		return nil, nil //nolint:nilnil
	}
	authorizer, err := NewAuthorizer(cfg.Authorization.ModelPath, cfg.Authorization.PolicyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing authorizer: %w", err)
	}
	return authorizer, nil
}

// ListenAndServe binds the listen address and accepts until Shutdown. A
// bind failure is fatal; per-session failures never are.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.Config.ListenAddress)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.Config.ListenAddress, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the given listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.Logger.Info("Accepting connections",
		"listen", listener.Addr().String(),
		"backend", s.Config.BackendAddr(),
		"database", s.Config.Database.Addr(),
		"tls_mode", s.Config.TLS.Mode)

	for {
		clientConn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient accept errors (fd exhaustion and the like) must not
			// take the listener down.
			s.Logger.Warn("Accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		SessionsTotal.Inc()
		session := NewSession(s.nextID.Add(1), s.Logger, s.Config, s.Tokens, s.authorizer, clientConn)

		s.track(session)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(session)
			defer func() {
				if r := recover(); r != nil {
					s.Logger.Error("Session panicked", "session", session.ID, "panic", r)
					session.Close()
				}
			}()
			session.Run(context.Background()) //nolint:errcheck // logged by the session
		}()
	}
}

// Shutdown stops accepting, lets in-flight sessions drain, and force-closes
// whatever remains once the grace deadline passes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close() //nolint:errcheck
		}
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.Logger.Warn("Grace deadline reached, forcing sessions closed", "active", s.SessionCount())
		s.forceCloseSessions()
		<-done
		return ctx.Err()
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Addr returns the bound listen address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) track(session *Session) {
	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

func (s *Server) forceCloseSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for session := range s.sessions {
		session.Close()
	}
}
