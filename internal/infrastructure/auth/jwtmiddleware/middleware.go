package jwtmiddleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"jwtvalidate/internal/domain/token"
)

type TokenContextKey struct{}

type TokenInfo struct {
	Raw      string
	Verified *token.Verified
}

// FromContext returns the token attached by the middleware.
func FromContext(ctx context.Context) (TokenInfo, bool) {
	info, ok := ctx.Value(TokenContextKey{}).(TokenInfo)
	return info, ok
}

type Validator interface {
	Validate(ctx context.Context, raw string, src token.JWKSSource, opts token.Options) (*token.Verified, error)
}

type Config struct {
	EnableAuthOnOptions bool
	TokenExtractors     []string

	Validator Validator
	Source    token.JWKSSource
	Options   token.Options
}

type Middleware struct {
	cfg Config
}

func New(cfg Config) *Middleware {
	return &Middleware{cfg: cfg}
}

func (m *Middleware) Huma(api huma.API) func(huma.Context, func(huma.Context)) {
	return func(hctx huma.Context, next func(huma.Context)) {
		if !m.cfg.EnableAuthOnOptions && strings.EqualFold(hctx.Method(), http.MethodOptions) {
			next(hctx)
			return
		}

		if m.cfg.Validator == nil {
			writeAuthErr(api, hctx, http.StatusServiceUnavailable, "auth not configured")
			return
		}

		raw, err := extractToken(hctx, m.cfg.TokenExtractors)
		if err != nil {
			writeAuthErr(api, hctx, http.StatusUnauthorized, err.Error())
			return
		}
		if raw == "" {
			writeAuthErr(api, hctx, http.StatusUnauthorized, "missing bearer token")
			return
		}

		res := token.ResultOf(m.cfg.Validator.Validate(hctx.Context(), raw, m.cfg.Source, m.cfg.Options))
		if !res.Valid() {
			if res.Err == nil {
				writeAuthErr(api, hctx, http.StatusUnauthorized, "invalid token")
				return
			}
			writeAuthErr(api, hctx, StatusFor(res.Err.Kind), res.Err.Error(), &huma.ErrorDetail{
				Message:  res.Err.Kind.String(),
				Location: "header.Authorization",
			})
			return
		}

		info := TokenInfo{Raw: raw, Verified: res.Verified}
		next(huma.WithValue(hctx, TokenContextKey{}, info))
	}
}

// StatusFor maps a validation failure to the HTTP status of the response.
// Failures of the identity provider or of local configuration are not the
// caller's fault and are reported as such.
func StatusFor(kind token.ErrorKind) int {
	switch kind {
	case token.KindMissingScopes:
		return http.StatusForbidden
	case token.KindDiscoveryFailed, token.KindKeyFetchFailed:
		return http.StatusBadGateway
	case token.KindMissingJWKSURL:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

func writeAuthErr(api huma.API, ctx huma.Context, status int, msg string, errs ...error) {
	if len(errs) == 0 {
		errs = []error{huma.NewError(status, msg)}
	}
	_ = huma.WriteErr(api, ctx, status, msg, errs...)
}

var errHeaderFormat = errors.New("authorization header format must be Bearer {token}")

// BearerToken returns the token of an "Authorization: Bearer ..." value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", nil
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errHeaderFormat
	}
	return parts[1], nil
}

func extractToken(hctx huma.Context, extractors []string) (string, error) {
	if len(extractors) == 0 {
		extractors = []string{"headers"}
	}
	for _, ex := range extractors {
		switch ex {
		case "headers":
			raw, err := BearerToken(hctx.Header("Authorization"))
			if err != nil {
				return "", err
			}
			if raw != "" {
				return raw, nil
			}
		case "params":
			if v := hctx.Query("access_token"); v != "" {
				return v, nil
			}
		}
	}
	return "", nil
}
