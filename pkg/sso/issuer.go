package sso

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/platinummonkey/hirebridge/pkg/extref"
)

// DefaultAssertionTTL bounds how long an assertion can be exchanged
const DefaultAssertionTTL = 60 * time.Second

// ErrMissingSecret is returned when no signing secret is configured
var ErrMissingSecret = errors.New("assertion signing secret is required")

// AssertionIssuer signs the short-lived assertion exchanged at the upstream
// token endpoint.
type AssertionIssuer interface {
	Issue(ctx context.Context, ref extref.Reference) (string, error)
}

// JWTAssertionIssuer issues HS256 JWTs naming the remote user as subject and
// the upstream domain as audience.
type JWTAssertionIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTAssertionIssuer creates an issuer. A zero ttl uses DefaultAssertionTTL.
func NewJWTAssertionIssuer(secret []byte, issuer string, ttl time.Duration) (*JWTAssertionIssuer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = DefaultAssertionTTL
	}
	return &JWTAssertionIssuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

func (i *JWTAssertionIssuer) Issue(ctx context.Context, ref extref.Reference) (string, error) {
	if !ref.IsComplete() {
		return "", fmt.Errorf("incomplete external reference %q", ref.String())
	}

	now := i.now()
	tok, err := jwt.NewBuilder().
		Issuer(i.issuer).
		Subject(ref.RemoteID).
		Audience([]string{extref.NormalizeDomain(ref.Domain)}).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(i.ttl)).
		JwtID(uuid.NewString()).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build assertion: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, i.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return string(signed), nil
}
