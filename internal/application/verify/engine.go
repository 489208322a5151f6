package verify

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jwtvalidate/internal/application/policy"
	"jwtvalidate/internal/application/ports"
	"jwtvalidate/internal/application/resolver"
	"jwtvalidate/internal/domain/claims"
	"jwtvalidate/internal/domain/token"
)

// DefaultAlgorithms are the asymmetric algorithms accepted against JWKS keys.
var DefaultAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

type JWKSResolver interface {
	Resolve(ctx context.Context, decoded *token.Decoded, src token.JWKSSource) (string, error)
}

type Config struct {
	Resolver   JWKSResolver
	Keys       ports.KeyFetcher
	Algorithms []string
	Leeway     time.Duration
}

type Engine struct {
	resolver   JWKSResolver
	keys       ports.KeyFetcher
	algorithms []string
	leeway     time.Duration
	now        func() time.Time
	tracer     trace.Tracer
}

func New(cfg Config) *Engine {
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	return &Engine{
		resolver:   cfg.Resolver,
		keys:       cfg.Keys,
		algorithms: append([]string(nil), algs...),
		leeway:     cfg.Leeway,
		now:        time.Now,
		tracer:     otel.Tracer("jwtvalidate"),
	}
}

// Decode runs the decode stage only. It never touches the network.
func (e *Engine) Decode(raw string) (*token.Decoded, error) {
	return Decode(raw)
}

// Validate decodes raw, resolves its JWKS endpoint, fetches the signing key,
// verifies the signature and time claims, then applies the scope policy.
// Every failure is a *token.Error carrying the JWKS URL and kid once known.
func (e *Engine) Validate(ctx context.Context, raw string, src token.JWKSSource, opts token.Options) (*token.Verified, error) {
	ctx, span := e.tracer.Start(ctx, "jwtvalidate.validate")
	defer span.End()

	v, err := e.validate(ctx, raw, src, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if te, ok := token.AsError(err); ok {
			span.SetAttributes(attribute.String("jwt.error_kind", te.Kind.String()))
		}
		return nil, err
	}
	return v, nil
}

func (e *Engine) validate(ctx context.Context, raw string, src token.JWKSSource, opts token.Options) (*token.Verified, error) {
	raw = strings.TrimSpace(raw)
	decoded, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	// No network before the kid is known to be present.
	knownURL, err := resolver.Precheck(decoded, src)
	if err != nil {
		return nil, resolveError(err)
	}
	kid := decoded.KeyID()
	if kid == "" {
		return nil, token.MissingKeyID(knownURL)
	}

	jwksURL, err := e.resolver.Resolve(ctx, decoded, src)
	if err != nil {
		return nil, resolveError(err)
	}

	key, err := e.fetchKey(ctx, jwksURL, kid)
	if err != nil {
		return nil, token.KeyFetchFailed(jwksURL, kid, err)
	}

	payload, verr := e.verify(raw, key, opts)
	if verr != nil {
		return nil, verr.WithKey(jwksURL, kid)
	}

	if err := policy.CheckScopes(payload, opts); err != nil {
		if te, ok := token.AsError(err); ok {
			return nil, te.WithKey(jwksURL, kid)
		}
		return nil, err
	}

	return &token.Verified{
		Header:  decoded.Header,
		Payload: payload,
		JWKSURL: jwksURL,
		KeyID:   kid,
	}, nil
}

func resolveError(err error) error {
	if _, ok := token.AsError(err); ok {
		return err
	}
	return &token.Error{Kind: token.KindVerificationFailed, Detail: "resolve JWKS URL", Err: err}
}

func (e *Engine) fetchKey(ctx context.Context, jwksURL, kid string) (crypto.PublicKey, error) {
	ctx, span := e.tracer.Start(ctx, "jwtvalidate.keyfetch", trace.WithAttributes(
		attribute.String("jwks.url", jwksURL),
		attribute.String("jwt.kid", kid),
	))
	defer span.End()

	key, err := e.keys.SigningKey(ctx, jwksURL, kid)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return key, nil
}

func (e *Engine) verify(raw string, key crypto.PublicKey, opts token.Options) (claims.Map, *token.Error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(e.algorithms),
		jwt.WithTimeFunc(e.now),
	}
	if e.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(e.leeway))
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	holder := &expiryAwareClaims{ignoreExpiration: !opts.CheckExpiry}
	_, err := jwt.NewParser(parserOpts...).ParseWithClaims(raw, holder, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return nil, classify(err, holder.claims)
	}

	payload, err := claims.MapFromAny(holder.claims)
	if err != nil {
		return nil, &token.Error{Kind: token.KindVerificationFailed, Detail: "payload", Err: err}
	}
	return payload, nil
}

func classify(err error, mc jwt.MapClaims) *token.Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		te := &token.Error{Kind: token.KindExpired, Err: err}
		if exp, _ := mc.GetExpirationTime(); exp != nil {
			te.Context.ExpiredAt = exp.Time.UTC()
			te.Detail = fmt.Sprintf("expired at %s", exp.Time.UTC().Format(time.RFC3339))
		}
		return te
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		te := &token.Error{Kind: token.KindNotYetValid, Err: err}
		if nbf, _ := mc.GetNotBefore(); nbf != nil {
			te.Detail = fmt.Sprintf("not before %s", nbf.Time.UTC().Format(time.RFC3339))
		}
		return te
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &token.Error{Kind: token.KindSignatureInvalid, Err: err}
	default:
		return &token.Error{Kind: token.KindVerificationFailed, Err: err}
	}
}
