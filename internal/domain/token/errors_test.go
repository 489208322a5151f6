package token

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("item 3: %w", KeyFetchFailed("https://idp/jwks", "k1", errors.New("boom")))

	assert.True(t, errors.Is(err, ErrKeyFetchFailed))
	assert.False(t, errors.Is(err, ErrMissingKeyID))

	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindKeyFetchFailed, te.Kind)
	assert.Equal(t, "https://idp/jwks", te.Context.JWKSURL)
	assert.Equal(t, "k1", te.Context.KeyID)
	assert.Contains(t, te.Error(), "boom")
}

func TestError_UnwrapReachesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := DiscoveryFailed("https://idp/.well-known/openid-configuration", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "https://idp/.well-known/openid-configuration", err.Context.DiscoveryURL)
}

func TestMissingScopes_Message(t *testing.T) {
	err := MissingScopes([]string{"b"}, nil)
	assert.Equal(t, "JWT token is missing required scopes: b. Token has scopes: none", err.Error())

	err = MissingScopes([]string{"b", "c"}, []string{"a"})
	assert.Equal(t, "JWT token is missing required scopes: b, c. Token has scopes: a", err.Error())
	assert.Equal(t, []string{"b", "c"}, err.Context.MissingScopes)
}

func TestError_Fields(t *testing.T) {
	exp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	err := &Error{Kind: KindExpired, Context: Context{JWKSURL: "u", KeyID: "k", ExpiredAt: exp}}

	assert.Equal(t, map[string]any{
		"errorKind": "Expired",
		"jwksUrl":   "u",
		"kid":       "k",
		"expiredAt": "2024-01-02T03:04:05Z",
	}, err.Fields())

	assert.Equal(t, map[string]any{"errorKind": "MissingKeyId"}, (&Error{Kind: KindMissingKeyID}).Fields())
}

func TestWithKey_KeepsEarlierContext(t *testing.T) {
	err := KeyFetchFailed("first", "k1", nil).WithKey("second", "k2")
	assert.Equal(t, "first", err.Context.JWKSURL)
	assert.Equal(t, "k1", err.Context.KeyID)
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "MissingJwksUrl", KindMissingJWKSURL.String())
	assert.Equal(t, "ErrorKind(99)", ErrorKind(99).String())
}

func TestOptions_Defaults(t *testing.T) {
	o := DefaultOptions()
	assert.True(t, o.CheckExpiry)
	assert.Equal(t, "scope", o.ScopeClaim())
	assert.Equal(t, "scope", Options{ScopeClaimName: "  "}.ScopeClaim())
	assert.Equal(t, "scp", Options{ScopeClaimName: "scp"}.ScopeClaim())
}

func TestResultOf(t *testing.T) {
	v := &Verified{KeyID: "k1"}
	assert.True(t, ResultOf(v, nil).Valid())

	res := ResultOf(nil, MissingKeyID(""))
	assert.False(t, res.Valid())
	assert.Equal(t, KindMissingKeyID, res.Err.Kind)

	res = ResultOf(nil, errors.New("boom"))
	require.NotNil(t, res.Err)
	assert.Equal(t, KindVerificationFailed, res.Err.Kind)
}
