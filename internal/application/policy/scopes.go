// Package policy checks claim requirements on a payload whose signature has
// already been verified.
//
// Issuer and audience are enforced by the verifier (see package verify);
// this package only owns scope requirements.
package policy

import (
	"sort"

	"jwtvalidate/internal/domain/claims"
	"jwtvalidate/internal/domain/token"
)

// TokenScopes resolves the scopes carried by payload. The first source found
// wins: the configured claim (string or array), then "scopes" (array only),
// then "scope" (string or array).
func TokenScopes(payload claims.Map, claimName string) []string {
	if claimName == "" {
		claimName = token.DefaultScopeClaimName
	}
	if scopes, ok := scopesFrom(payload, claimName, true); ok {
		return scopes
	}
	if scopes, ok := scopesFrom(payload, "scopes", false); ok {
		return scopes
	}
	if scopes, ok := scopesFrom(payload, "scope", true); ok {
		return scopes
	}
	return nil
}

func scopesFrom(payload claims.Map, name string, allowString bool) ([]string, bool) {
	if !present(payload, name) {
		return nil, false
	}
	var (
		scopes []string
		err    error
	)
	if allowString {
		scopes, err = payload.StringOrStrings(name)
	} else {
		scopes, err = payload.Strings(name)
	}
	if err != nil {
		// A present claim of the wrong shape still claims the slot, except
		// for "scopes" which only counts as an array.
		return nil, allowString
	}
	return scopes, true
}

// present treats null, empty strings and empty arrays as absent.
func present(payload claims.Map, name string) bool {
	v, ok := payload[name]
	if !ok {
		return false
	}
	switch v.Kind() {
	case claims.KindNull:
		return false
	case claims.KindString:
		s, _ := v.AsString()
		return s != ""
	default:
		return true
	}
}

// CheckScopes returns a MissingScopes error when any required scope is
// absent from the token. Extra token scopes are ignored.
func CheckScopes(payload claims.Map, opts token.Options) error {
	var required []string
	for _, r := range opts.RequiredScopes {
		required = append(required, token.ParseScopes(r)...)
	}
	if len(required) == 0 {
		return nil
	}

	have := TokenScopes(payload, opts.ScopeClaim())
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}

	seen := map[string]struct{}{}
	var missing []string
	for _, r := range required {
		if _, ok := set[r]; ok {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		missing = append(missing, r)
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return token.MissingScopes(missing, have)
}
