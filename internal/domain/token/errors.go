package token

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ErrorKind int

const (
	KindDecodeFailed ErrorKind = iota + 1
	KindMissingIssuer
	KindMissingJWKSURL
	KindDiscoveryFailed
	KindMissingKeyID
	KindKeyFetchFailed
	KindSignatureInvalid
	KindExpired
	KindNotYetValid
	KindVerificationFailed
	KindMissingScopes
)

var kindNames = map[ErrorKind]string{
	KindDecodeFailed:       "DecodeFailed",
	KindMissingIssuer:      "MissingIssuer",
	KindMissingJWKSURL:     "MissingJwksUrl",
	KindDiscoveryFailed:    "DiscoveryFailed",
	KindMissingKeyID:       "MissingKeyId",
	KindKeyFetchFailed:     "KeyFetchFailed",
	KindSignatureInvalid:   "SignatureInvalid",
	KindExpired:            "Expired",
	KindNotYetValid:        "NotYetValid",
	KindVerificationFailed: "VerificationFailed",
	KindMissingScopes:      "MissingScopes",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Sentinels for errors.Is; an *Error matches the sentinel of its kind.
var (
	ErrDecodeFailed       = &Error{Kind: KindDecodeFailed}
	ErrMissingIssuer      = &Error{Kind: KindMissingIssuer}
	ErrMissingJWKSURL     = &Error{Kind: KindMissingJWKSURL}
	ErrDiscoveryFailed    = &Error{Kind: KindDiscoveryFailed}
	ErrMissingKeyID       = &Error{Kind: KindMissingKeyID}
	ErrKeyFetchFailed     = &Error{Kind: KindKeyFetchFailed}
	ErrSignatureInvalid   = &Error{Kind: KindSignatureInvalid}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrNotYetValid        = &Error{Kind: KindNotYetValid}
	ErrVerificationFailed = &Error{Kind: KindVerificationFailed}
	ErrMissingScopes      = &Error{Kind: KindMissingScopes}
)

// Context is whatever the pipeline had already resolved when it failed.
type Context struct {
	JWKSURL       string
	KeyID         string
	DiscoveryURL  string
	ExpiredAt     time.Time
	MissingScopes []string
	TokenScopes   []string
}

// Error is the single failure type produced by validation.
type Error struct {
	Kind    ErrorKind
	Detail  string
	Context Context
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.message())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) message() string {
	switch e.Kind {
	case KindDecodeFailed:
		return "failed to decode JWT token"
	case KindMissingIssuer:
		return "JWT token does not contain an issuer (iss) claim for auto-discovery"
	case KindMissingJWKSURL:
		return "JWKS URL is required when using custom URL configuration"
	case KindDiscoveryFailed:
		return "OpenID Connect discovery failed"
	case KindMissingKeyID:
		return "JWT token header does not contain a key ID (kid)"
	case KindKeyFetchFailed:
		return "failed to retrieve signing key from JWKS"
	case KindSignatureInvalid:
		return "JWT validation error"
	case KindExpired:
		return "JWT token has expired"
	case KindNotYetValid:
		return "JWT token is not yet valid (nbf claim)"
	case KindVerificationFailed:
		return "JWT validation failed"
	case KindMissingScopes:
		return "JWT token is missing required scopes"
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Fields flattens the diagnostic context into output-record fields. Only
// values that are known are included.
func (e *Error) Fields() map[string]any {
	out := map[string]any{
		"errorKind": e.Kind.String(),
	}
	if e.Context.JWKSURL != "" {
		out["jwksUrl"] = e.Context.JWKSURL
	}
	if e.Context.KeyID != "" {
		out["kid"] = e.Context.KeyID
	}
	if e.Context.DiscoveryURL != "" {
		out["discoveryUrl"] = e.Context.DiscoveryURL
	}
	if !e.Context.ExpiredAt.IsZero() {
		out["expiredAt"] = e.Context.ExpiredAt.UTC().Format(time.RFC3339)
	}
	if len(e.Context.MissingScopes) > 0 {
		out["missingScopes"] = append([]string(nil), e.Context.MissingScopes...)
	}
	return out
}

func newError(kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func DecodeFailed(err error) *Error {
	return newError(KindDecodeFailed, "", err)
}

func MissingIssuer() *Error {
	return newError(KindMissingIssuer, "", nil)
}

func MissingJWKSURL() *Error {
	return newError(KindMissingJWKSURL, "", nil)
}

func DiscoveryFailed(discoveryURL string, err error) *Error {
	e := newError(KindDiscoveryFailed, discoveryURL, err)
	e.Context.DiscoveryURL = discoveryURL
	return e
}

func MissingKeyID(jwksURL string) *Error {
	e := newError(KindMissingKeyID, "", nil)
	e.Context.JWKSURL = jwksURL
	return e
}

func KeyFetchFailed(jwksURL, kid string, err error) *Error {
	e := newError(KindKeyFetchFailed, fmt.Sprintf("jwks_url=%s kid=%s", jwksURL, kid), err)
	e.Context.JWKSURL = jwksURL
	e.Context.KeyID = kid
	return e
}

func MissingScopes(missing, have []string) *Error {
	has := "none"
	if len(have) > 0 {
		has = strings.Join(have, ", ")
	}
	e := newError(KindMissingScopes,
		fmt.Sprintf("%s. Token has scopes: %s", strings.Join(missing, ", "), has), nil)
	e.Context.MissingScopes = missing
	e.Context.TokenScopes = have
	return e
}

// WithKey attaches the JWKS URL and key ID known at the point of failure.
func (e *Error) WithKey(jwksURL, kid string) *Error {
	if e.Context.JWKSURL == "" {
		e.Context.JWKSURL = jwksURL
	}
	if e.Context.KeyID == "" {
		e.Context.KeyID = kid
	}
	return e
}

// AsError extracts an *Error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
