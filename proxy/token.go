package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	rdsauth "github.com/aws/aws-sdk-go-v2/feature/rds/auth"
	"github.com/spf13/cast"
)

// TokenProvider yields a short-lived auth token accepted by the backend as
// password material for the given endpoint and user.
type TokenProvider interface {
	FetchToken(ctx context.Context, host string, port int, region, username string) (string, error)
}

// RDSTokenProvider builds RDS IAM auth tokens using the default AWS
// credential chain (environment, shared profile, instance role).
type RDSTokenProvider struct{}

// NewRDSTokenProvider creates a token provider backed by the AWS SDK.
func NewRDSTokenProvider() *RDSTokenProvider {
	return &RDSTokenProvider{}
}

// FetchToken resolves credentials through the default chain and signs an RDS
// IAM auth token for the endpoint and user. The token is valid for 15
// minutes; callers fetch fresh per session.
func (p *RDSTokenProvider) FetchToken(ctx context.Context, host string, port int, region, username string) (string, error) {
	TokenFetches.Inc()

	awscfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		TokenFetchFailures.Inc()
		return "", fmt.Errorf("resolving AWS credentials: %w", err)
	}

	endpoint := net.JoinHostPort(host, cast.ToString(port))
	token, err := rdsauth.BuildAuthToken(ctx, endpoint, region, username, awscfg.Credentials)
	if err != nil {
		TokenFetchFailures.Inc()
		return "", fmt.Errorf("building RDS auth token: %w", err)
	}
	return token, nil
}

// cachedToken is one entry in the token cache.
type cachedToken struct {
	token     string
	fetchedAt time.Time
}

// CachingTokenProvider decorates a TokenProvider with a short-TTL cache
// keyed by (host, port, username). The TTL must stay well under the token
// validity window; each cached token is still fresh enough for the backend
// at the instant a new session authenticates.
type CachingTokenProvider struct {
	inner TokenProvider
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cachedToken

	// now is replaceable in tests.
	now func() time.Time
}

// NewCachingTokenProvider wraps inner with a TTL cache. A non-positive TTL
// returns inner unchanged.
func NewCachingTokenProvider(inner TokenProvider, ttl time.Duration) TokenProvider {
	if ttl <= 0 {
		return inner
	}
	return &CachingTokenProvider{
		inner: inner,
		ttl:   ttl,
		cache: make(map[string]cachedToken),
		now:   time.Now,
	}
}

// FetchToken returns a cached token when fresh, otherwise fetches through
// the inner provider and caches the result.
func (p *CachingTokenProvider) FetchToken(ctx context.Context, host string, port int, region, username string) (string, error) {
	key := fmt.Sprintf("%s:%d/%s", host, port, username)

	p.mu.Lock()
	if entry, ok := p.cache[key]; ok && p.now().Sub(entry.fetchedAt) < p.ttl {
		p.mu.Unlock()
		return entry.token, nil
	}
	p.mu.Unlock()

	token, err := p.inner.FetchToken(ctx, host, port, region, username)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cache[key] = cachedToken{token: token, fetchedAt: p.now()}
	p.mu.Unlock()
	return token, nil
}

// Invalidate drops the cached token for the given key. The connector calls
// this before its single fresh-fetch retry so a stale cached token cannot be
// served twice.
func (p *CachingTokenProvider) Invalidate(host string, port int, username string) {
	key := fmt.Sprintf("%s:%d/%s", host, port, username)
	p.mu.Lock()
	delete(p.cache, key)
	p.mu.Unlock()
}

// TokenInvalidator is implemented by providers whose cached tokens can be
// dropped after a backend rejection.
type TokenInvalidator interface {
	Invalidate(host string, port int, username string)
}
