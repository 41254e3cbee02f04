// Package middleware holds the concrete stages of the outbound pipeline.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

// Supported authentication schemes.
const (
	SchemeBearer = "bearer"
	SchemeAPIKey = "api_key"
)

// DefaultAPIKeyHeader is the header used by the api_key scheme when none is given.
const DefaultAPIKeyHeader = "X-API-Key"

// AuthInjector sets a credential header on every outgoing request.
type AuthInjector struct {
	header string
	value  string
}

// NewAuthInjector validates the scheme and builds the injector. header is
// only consulted for the api_key scheme.
func NewAuthInjector(scheme, credential, header string) (*AuthInjector, error) {
	if credential == "" {
		return nil, pipeline.ConfigError("auth", "empty credential")
	}
	switch strings.ToLower(scheme) {
	case SchemeBearer:
		return &AuthInjector{header: "Authorization", value: "Bearer " + credential}, nil
	case SchemeAPIKey, "apikey":
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		return &AuthInjector{header: http.CanonicalHeaderKey(header), value: credential}, nil
	default:
		return nil, pipeline.ConfigError("auth", "unknown scheme %q", scheme)
	}
}

// Bearer returns an injector setting "Authorization: Bearer <token>".
func Bearer(token string) (*AuthInjector, error) {
	return NewAuthInjector(SchemeBearer, token, "")
}

// APIKey returns an injector setting "<header>: <key>".
func APIKey(key, header string) (*AuthInjector, error) {
	return NewAuthInjector(SchemeAPIKey, key, header)
}

// Header returns the header name the injector writes.
func (a *AuthInjector) Header() string { return a.header }

func (a *AuthInjector) Process(ctx context.Context, req *model.Request, sc pipeline.Scope, next pipeline.Handler) (*model.Response, error) {
	return next(ctx, req.WithHeader(a.header, a.value), sc)
}
