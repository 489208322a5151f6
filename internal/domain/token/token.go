package token

import (
	"strings"

	"jwtvalidate/internal/domain/claims"
)

// Decoded is the unverified view of a compact JWS. It may exist for a token
// whose signature is invalid.
type Decoded struct {
	Header    claims.Map
	Payload   claims.Map
	Signature []byte
}

// KeyID returns the kid header, or "" when absent, empty or not a string.
func (d *Decoded) KeyID() string {
	kid, err := d.Header.String("kid")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(kid)
}

func (d *Decoded) Algorithm() string {
	alg, _ := d.Header.String("alg")
	return alg
}

func (d *Decoded) Issuer() string {
	iss, _ := d.Payload.String("iss")
	return iss
}

// JWKSSource selects how the JWKS endpoint is found. It is implemented only
// by AutoDiscover and CustomURL.
type JWKSSource interface {
	jwksSource()
	String() string
}

// AutoDiscover derives the JWKS endpoint from the token's iss claim via
// OpenID Connect discovery.
type AutoDiscover struct{}

// CustomURL uses a fixed JWKS endpoint.
type CustomURL struct {
	URL string
}

func (AutoDiscover) jwksSource() {}
func (CustomURL) jwksSource() {}

func (AutoDiscover) String() string { return "auto_discover" }
func (c CustomURL) String() string { return "custom_url(" + c.URL + ")" }

const DefaultScopeClaimName = "scope"

type Options struct {
	Issuer         string
	Audience       string
	CheckExpiry    bool
	RequiredScopes []string
	ScopeClaimName string
}

// DefaultOptions has expiry checking on and reads scopes from "scope".
func DefaultOptions() Options {
	return Options{
		CheckExpiry:    true,
		ScopeClaimName: DefaultScopeClaimName,
	}
}

// ScopeClaim returns the configured scope claim name, falling back to "scope".
func (o Options) ScopeClaim() string {
	if name := strings.TrimSpace(o.ScopeClaimName); name != "" {
		return name
	}
	return DefaultScopeClaimName
}

// ParseScopes splits a whitespace separated scope list.
func ParseScopes(s string) []string {
	return strings.Fields(s)
}

// Verified is the payload of a token whose signature and time claims were
// checked.
type Verified struct {
	Header  claims.Map
	Payload claims.Map
	JWKSURL string
	KeyID   string
}

// Result is either a verified token or the reason it was rejected.
type Result struct {
	Verified *Verified
	Err      *Error
}

func (r Result) Valid() bool { return r.Err == nil && r.Verified != nil }

// ResultOf folds the return values of a validation into a Result. Errors
// that are not an *Error are reported as VerificationFailed.
func ResultOf(v *Verified, err error) Result {
	if err != nil {
		te, ok := AsError(err)
		if !ok {
			te = &Error{Kind: KindVerificationFailed, Err: err}
		}
		return Result{Err: te}
	}
	return Result{Verified: v}
}
