package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"jwtvalidate/internal/application/ports"
	"jwtvalidate/internal/domain/token"
)

const DefaultDiscoveryPath = "/.well-known/openid-configuration"

var errNoJWKSURI = errors.New("discovery document does not contain jwks_uri")

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// Resolver turns a JWKSSource into a JWKS endpoint URL. Discovery documents
// are fetched on every call; caching happens only in the key store.
type Resolver struct {
	docs          ports.DocumentFetcher
	discoveryPath string
}

func New(docs ports.DocumentFetcher, discoveryPath string) *Resolver {
	if strings.TrimSpace(discoveryPath) == "" {
		discoveryPath = DefaultDiscoveryPath
	}
	if !strings.HasPrefix(discoveryPath, "/") {
		discoveryPath = "/" + discoveryPath
	}
	return &Resolver{docs: docs, discoveryPath: discoveryPath}
}

// DiscoveryURL strips one trailing slash from issuer and appends the
// discovery path.
func (r *Resolver) DiscoveryURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + r.discoveryPath
}

func (r *Resolver) Resolve(ctx context.Context, decoded *token.Decoded, src token.JWKSSource) (string, error) {
	jwksURL, err := Precheck(decoded, src)
	if err != nil || jwksURL != "" {
		return jwksURL, err
	}
	return r.discover(ctx, strings.TrimSpace(decoded.Issuer()))
}

// Precheck runs the source checks that need no network: a CustomURL must
// carry a URL and AutoDiscover needs an iss claim. It returns the JWKS URL
// when the source names one directly, and "" when discovery is required.
func Precheck(decoded *token.Decoded, src token.JWKSSource) (string, error) {
	switch s := src.(type) {
	case token.CustomURL:
		if strings.TrimSpace(s.URL) == "" {
			return "", token.MissingJWKSURL()
		}
		return s.URL, nil
	case *token.CustomURL:
		if s == nil {
			return "", token.MissingJWKSURL()
		}
		return Precheck(decoded, *s)
	case token.AutoDiscover, *token.AutoDiscover:
		if decoded == nil || strings.TrimSpace(decoded.Issuer()) == "" {
			return "", token.MissingIssuer()
		}
		return "", nil
	case nil:
		return "", token.MissingJWKSURL()
	default:
		return "", fmt.Errorf("unsupported JWKS source %T", src)
	}
}

func (r *Resolver) discover(ctx context.Context, issuer string) (string, error) {
	discoveryURL := r.DiscoveryURL(issuer)

	ctx, span := otel.Tracer("jwtvalidate").Start(ctx, "jwtvalidate.discovery")
	defer span.End()
	span.SetAttributes(attribute.String("discovery.url", discoveryURL))

	var doc discoveryDocument
	if err := r.docs.GetJSON(ctx, discoveryURL, &doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", token.DiscoveryFailed(discoveryURL, err)
	}
	if strings.TrimSpace(doc.JWKSURI) == "" {
		span.SetStatus(codes.Error, errNoJWKSURI.Error())
		return "", token.DiscoveryFailed(discoveryURL, errNoJWKSURI)
	}
	span.SetAttributes(attribute.String("jwks.url", doc.JWKSURI))
	return doc.JWKSURI, nil
}
