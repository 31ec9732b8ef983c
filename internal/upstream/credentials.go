package upstream

import (
	"context"
	"time"

	"cloud.google.com/go/auth"
)

// TokenSource supplies a bearer token for upstream calls. It is injected at
// Client construction so tests can substitute canned tokens.
//
// Refresh contract: Token is called whenever the previously returned token
// has aged out (see tokenTTL); implementations own refresh and caching of
// the underlying credential. A token rejected by the upstream surfaces to
// the caller as an auth error — the invoker never retries on its own.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token on every call. Test double and
// escape hatch for pre-fetched tokens (VERTEX_ACCESS_TOKEN).
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) { return string(s), nil }

// tokenTTL bounds how long a token from a TokenSource is reused before the
// source is asked again. Kept short so every invocation burst carries a
// fresh bearer.
const tokenTTL = time.Minute

// tokenProvider adapts TokenSource to the cloud.google.com/go/auth
// TokenProvider consumed by the genai SDK.
type tokenProvider struct {
	src TokenSource
}

func (p tokenProvider) Token(ctx context.Context) (*auth.Token, error) {
	v, err := p.src.Token(ctx)
	if err != nil {
		return nil, err
	}
	return &auth.Token{
		Value:  v,
		Type:   "Bearer",
		Expiry: time.Now().Add(tokenTTL),
	}, nil
}

// credentialsFor wraps src for the genai client config. Returns nil for a
// nil source, which lets the SDK fall back to Application Default
// Credentials.
func credentialsFor(src TokenSource) *auth.Credentials {
	if src == nil {
		return nil
	}
	return auth.NewCredentials(&auth.CredentialsOptions{
		TokenProvider: tokenProvider{src: src},
	})
}
