package clients

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// NewTokenClient returns an HTTP client that sends token as a bearer
// credential on every request. base supplies the transport and timeout; an
// empty token returns base unchanged so unauthenticated calls still work.
func NewTokenClient(ctx context.Context, base *http.Client, token string) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if token == "" {
		return base
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = base.Timeout
	return tc
}
