package sso

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/hirebridge/pkg/extref"
	"github.com/platinummonkey/hirebridge/pkg/identity"
	"github.com/platinummonkey/hirebridge/pkg/observability"
)

var (
	// ErrVerificationUnavailable means no usable public key could be obtained
	ErrVerificationUnavailable = errors.New("signature verification unavailable")
	// ErrInvalidSignature means the payload was not signed by the upstream key
	ErrInvalidSignature = errors.New("invalid upstream signature")
)

// Upstream is the part of the upstream client the bridge calls.
// *upstream.Client implements it.
type Upstream interface {
	FetchPublicKey(ctx context.Context, domainURL string) (string, error)
	ExchangeToken(ctx context.Context, domainURL, assertion string) (*oauth2.Token, error)
}

// Bridge obtains upstream access tokens and public keys for tenant sessions
type Bridge struct {
	upstream Upstream
	cache    KeyCache
	issuer   AssertionIssuer
	keyTTL   time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
	fetches  singleflight.Group
}

// Option configures a Bridge
type Option func(*Bridge)

// WithKeyTTL overrides DefaultKeyTTL
func WithKeyTTL(ttl time.Duration) Option {
	return func(b *Bridge) {
		if ttl > 0 {
			b.keyTTL = ttl
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithMetrics records cache hits and misses
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// NewBridge creates a bridge
func NewBridge(up Upstream, cache KeyCache, issuer AssertionIssuer, opts ...Option) *Bridge {
	b := &Bridge{
		upstream: up,
		cache:    cache,
		issuer:   issuer,
		keyTTL:   DefaultKeyTTL,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// GetPublicKey returns the upstream public key for domainURL, fetching and
// caching it on a miss. false means verification is unavailable.
func (b *Bridge) GetPublicKey(ctx context.Context, domainURL string) (string, bool) {
	domain := extref.NormalizeDomain(domainURL)
	log := observability.FromContextOr(ctx, b.logger).WithField("domain", domain)
	if domain == "" {
		log.Warn("Public key requested without a domain")
		return "", false
	}

	key := CacheKey(domain)
	if text, ok := b.cache.Get(ctx, key); ok {
		b.metrics.RecordKeyCache("hit")
		return text, true
	}
	b.metrics.RecordKeyCache("miss")

	v, err, _ := b.fetches.Do(key, func() (interface{}, error) {
		text, err := b.upstream.FetchPublicKey(ctx, domain)
		if err != nil {
			return "", err
		}
		if err := b.cache.Set(ctx, key, text, b.keyTTL); err != nil {
			log.WithError(err).Warn("Failed to cache public key")
		}
		return text, nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to fetch upstream public key")
		return "", false
	}
	return v.(string), true
}

// PublicKeyFor resolves the key of the domain a membership is linked to
func (b *Bridge) PublicKeyFor(ctx context.Context, m *identity.Membership) (string, bool) {
	if m == nil {
		return "", false
	}
	ref := m.Reference()
	if !ref.IsComplete() {
		observability.FromContextOr(ctx, b.logger).
			WithField("global_id", m.GlobalID).
			Warn("Membership has no upstream reference")
		return "", false
	}
	return b.GetPublicKey(ctx, ref.Domain)
}

// GetAccessToken returns an upstream access token for the membership, or ""
// when the membership is not linked or any step fails.
func (b *Bridge) GetAccessToken(ctx context.Context, m *identity.Membership) string {
	if m == nil {
		return ""
	}
	ref := m.Reference()
	if !ref.IsComplete() {
		return ""
	}
	log := observability.FromContextOr(ctx, b.logger).WithFields(map[string]interface{}{
		"domain":    ref.Domain,
		"global_id": m.GlobalID,
	})

	if b.issuer == nil {
		log.Warn("No SSO assertion issuer configured")
		return ""
	}
	assertion, err := b.issuer.Issue(ctx, ref)
	if err != nil {
		log.WithError(err).Error("Failed to issue SSO assertion")
		return ""
	}

	tok, err := b.upstream.ExchangeToken(ctx, ref.Domain, assertion)
	if err != nil {
		log.WithError(err).Warn("Upstream token exchange failed")
		return ""
	}
	return tok.AccessToken
}

// VerifySignature checks a compact JWS issued by the upstream platform and
// returns its payload.
func (b *Bridge) VerifySignature(ctx context.Context, domainURL, compact string) ([]byte, error) {
	text, ok := b.GetPublicKey(ctx, domainURL)
	if !ok {
		return nil, ErrVerificationUnavailable
	}

	key, err := jwk.ParseKey([]byte(text), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key: %w", ErrVerificationUnavailable, err)
	}

	payload, err := jws.Verify([]byte(compact), jws.WithKey(jwa.RS256, key))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return payload, nil
}
