// Package claims carries the verified caller attributes supplied by the
// external identity layer. The server never authenticates end users itself:
// an upstream proxy validates credentials and forwards the resulting claims
// in request headers, which this package parses and stores in the request
// context.
package claims

import (
	"context"
	"net/http"
	"strings"
)

// Header names populated by the identity layer.
const (
	HeaderClaims  = "X-Claims"
	HeaderSubject = "X-Claims-Subject"
)

// Claims are the verified attributes of a caller.
type Claims struct {
	// Subject identifies the caller (user ID, service account, …).
	Subject string
	// Authenticated is true when the identity layer verified the caller.
	Authenticated bool
	// Privileged grants access to privileged capabilities and the admin
	// surface.
	Privileged bool
}

// Anonymous is the zero-trust default for requests carrying no claims.
var Anonymous = Claims{Subject: "anonymous"}

// FromHeader parses claims from the request headers. The X-Claims header is
// a comma-separated list of claim tokens, e.g. "authenticated,privileged".
func FromHeader(h http.Header) Claims {
	c := Claims{Subject: h.Get(HeaderSubject)}
	if c.Subject == "" {
		c.Subject = "anonymous"
	}
	for _, tok := range strings.Split(h.Get(HeaderClaims), ",") {
		switch strings.TrimSpace(strings.ToLower(tok)) {
		case "authenticated":
			c.Authenticated = true
		case "privileged":
			c.Privileged = true
			c.Authenticated = true
		}
	}
	return c
}

// FromMap parses claims from a decoded JSON object, as presented by MCP
// session hello messages.
func FromMap(m map[string]any) Claims {
	c := Claims{Subject: "anonymous"}
	if s, ok := m["subject"].(string); ok && s != "" {
		c.Subject = s
	}
	if b, ok := m["authenticated"].(bool); ok {
		c.Authenticated = b
	}
	if b, ok := m["privileged"].(bool); ok && b {
		c.Privileged = true
		c.Authenticated = true
	}
	return c
}

type ctxKey struct{}

// WithContext returns a context carrying c.
func WithContext(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the claims stored in ctx, or Anonymous.
func FromContext(ctx context.Context) Claims {
	if c, ok := ctx.Value(ctxKey{}).(Claims); ok {
		return c
	}
	return Anonymous
}
