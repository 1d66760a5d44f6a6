package api

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// TokenProvider resolves a bearer token for a tenant. Implementations
// return ErrTokenRevoked when the credential is no longer usable.
type TokenProvider interface {
	Token(ctx context.Context, tenant string) (string, error)
}

// StaticTokenProvider serves a single pre-configured token for every
// tenant. This is the CLI deployment shape, where the config file holds
// one personal access token.
type StaticTokenProvider struct {
	token string
}

// NewStaticTokenProvider creates a provider around a fixed token.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

// Token returns the configured token, or ErrTokenRevoked if none is set.
func (p *StaticTokenProvider) Token(_ context.Context, _ string) (string, error) {
	if p.token == "" {
		return "", ErrTokenRevoked
	}
	return p.token, nil
}

// newOAuthClient builds an HTTP client that attaches the bearer token to
// every request. An empty token yields an unauthenticated client.
func newOAuthClient(ctx context.Context, token string) *http.Client {
	if token == "" {
		return nil
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return oauth2.NewClient(ctx, src)
}
