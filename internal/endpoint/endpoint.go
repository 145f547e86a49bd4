// Package endpoint resolves the WebSocket URL a session connects to.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// ErrInvalidOrigin is returned when an origin cannot be mapped to a WebSocket URL.
var ErrInvalidOrigin = errors.New("endpoint: invalid origin")

// Provider supplies a ready-to-dial URL before each connect attempt.
type Provider interface {
	URL(ctx context.Context) (string, error)
}

// TokenSource supplies an authentication token. Issuing and renewing tokens
// is the source's business; the provider only attaches the result.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) { return token, nil })
}

// FromOrigin derives the WebSocket URL for path on the origin's host,
// choosing wss for https origins and ws otherwise.
func FromOrigin(origin, path string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidOrigin, origin)
	}

	scheme := "ws"
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOrigin, u.Scheme)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: path}).String(), nil
}

// withToken appends the token as the "token" query parameter.
func withToken(ctx context.Context, rawURL string, tokens TokenSource) (string, error) {
	if tokens == nil {
		return rawURL, nil
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	if token == "" {
		return rawURL, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Static is a Provider for a fixed URL.
type Static struct {
	url    string
	tokens TokenSource
}

// NewStatic creates a Static provider. tokens may be nil.
func NewStatic(rawURL string, tokens TokenSource) *Static {
	return &Static{url: rawURL, tokens: tokens}
}

// URL returns the fixed URL with a fresh token attached.
func (s *Static) URL(ctx context.Context) (string, error) {
	return withToken(ctx, s.url, s.tokens)
}

// Origin is a Provider that derives the URL from a page origin which can be
// swapped at runtime, e.g. after a configuration reload.
type Origin struct {
	mu     sync.RWMutex
	origin string
	path   string
	tokens TokenSource
}

// NewOrigin creates an Origin provider after validating origin and path.
func NewOrigin(origin, path string, tokens TokenSource) (*Origin, error) {
	if _, err := FromOrigin(origin, path); err != nil {
		return nil, err
	}
	return &Origin{origin: origin, path: path, tokens: tokens}, nil
}

// Set replaces the origin and path. Invalid values leave the provider unchanged.
func (o *Origin) Set(origin, path string) error {
	if _, err := FromOrigin(origin, path); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.origin = origin
	o.path = path
	return nil
}

// URL returns the current WebSocket URL with a fresh token attached.
func (o *Origin) URL(ctx context.Context) (string, error) {
	o.mu.RLock()
	origin, path, tokens := o.origin, o.path, o.tokens
	o.mu.RUnlock()

	rawURL, err := FromOrigin(origin, path)
	if err != nil {
		return "", err
	}
	return withToken(ctx, rawURL, tokens)
}
