package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/zhouzirui/roomchat/internal/service/credential"
)

type anonymousKey struct{}

// anonymous marks requests that must not carry credentials (login, register, refresh).
func anonymous(ctx context.Context) context.Context {
	return context.WithValue(ctx, anonymousKey{}, true)
}

func isAnonymous(ctx context.Context) bool {
	v, _ := ctx.Value(anonymousKey{}).(bool)
	return v
}

// bearerTransport attaches "Authorization: Bearer <token>" to every
// non-anonymous request bound for origin and reports 401 answers to the
// unauthorized handler. Requests to any other host, redirects included, go
// out without the token.
type bearerTransport struct {
	base   http.RoundTripper
	tokens credential.Source
	origin *url.URL

	mu             sync.RWMutex
	onUnauthorized func(token string)
}

func (t *bearerTransport) setHandler(fn func(token string)) {
	t.mu.Lock()
	t.onUnauthorized = fn
	t.mu.Unlock()
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if isAnonymous(req.Context()) || t.tokens == nil || !sameOrigin(req.URL, t.origin) {
		return t.base.RoundTrip(req)
	}
	token := t.tokens.AccessToken()
	if token == "" {
		return t.base.RoundTrip(req)
	}

	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.base.RoundTrip(authed)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		t.mu.RLock()
		fn := t.onUnauthorized
		t.mu.RUnlock()
		if fn != nil {
			fn(token)
		}
	}
	return resp, err
}

func sameOrigin(u, origin *url.URL) bool {
	if origin == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}
