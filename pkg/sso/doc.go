// Package sso lets a tenant session reach the upstream HR platform.
//
// # Overview
//
// A Bridge exchanges a locally signed assertion for an upstream access token
// and verifies upstream signatures against the platform's public key. Public
// keys are cached per domain for 24 hours, either in process or in Redis
// when several replicas should share one cache.
//
// Every missing prerequisite degrades instead of failing: a membership
// without an external reference gets an empty token and no network call, and
// an unreachable key endpoint reports the key as unavailable.
//
// # Usage Example
//
//	issuer, err := sso.NewJWTAssertionIssuer([]byte(secret), "hirebridge", time.Minute)
//	if err != nil {
//		return err
//	}
//	bridge := sso.NewBridge(client, sso.NewMemoryKeyCache(1024, 24*time.Hour), issuer)
//
//	token := bridge.GetAccessToken(ctx, membership)
//	if token == "" {
//		// upstream features stay disabled for this session
//	}
package sso
