package ports

import (
	"context"
	"crypto"
)

// KeyFetcher resolves a key ID to public key material from a JWKS endpoint.
// Implementations own caching; callers treat the result as opaque.
type KeyFetcher interface {
	SigningKey(ctx context.Context, jwksURL, kid string) (crypto.PublicKey, error)
}

// DocumentFetcher performs a single GET and decodes the JSON body into v.
type DocumentFetcher interface {
	GetJSON(ctx context.Context, url string, v any) error
}
