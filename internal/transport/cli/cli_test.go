package cli

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idp struct {
	key *rsa.PrivateKey
	srv *httptest.Server
}

func newIDP(t *testing.T) *idp {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "k1"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return &idp{key: key, srv: srv}
}

func (p *idp) sign(t *testing.T, mc jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(p.key)
	require.NoError(t, err)
	return s
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())

	var out, errOut bytes.Buffer
	cmd := NewRoot()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeOutput(t *testing.T, s string) []map[string]any {
	t.Helper()
	var outs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &outs), s)
	return outs
}

func TestValidate_Args(t *testing.T) {
	p := newIDP(t)
	good := p.sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix(), "scope": "read"})

	out, err := execute(t, "", "validate", "--jwks-url", p.srv.URL, "--scopes", "read", good)
	require.NoError(t, err)

	outs := decodeOutput(t, out)
	require.Len(t, outs, 1)
	assert.Equal(t, true, outs[0]["valid"])
	assert.Equal(t, good, outs[0]["token"])
	assert.Equal(t, "u1", outs[0]["payload"].(map[string]any)["sub"])
}

func TestValidate_InputContinueOnFail(t *testing.T) {
	p := newIDP(t)
	good := p.sign(t, jwt.MapClaims{"sub": "u1"})
	expired := p.sign(t, jwt.MapClaims{"sub": "u2", "exp": time.Now().Add(-time.Hour).Unix()})

	records, err := json.Marshal([]map[string]any{
		{"id": "a", "jwt": good},
		{"id": "b", "jwt": expired},
		{"id": "c", "jwt": good},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, records, 0o600))

	out, err := execute(t, "", "validate", "--jwks-url", p.srv.URL, "--token-field", "jwt", "--continue-on-fail", "--input", path)
	require.NoError(t, err)

	outs := decodeOutput(t, out)
	require.Len(t, outs, 3)
	assert.Equal(t, true, outs[0]["valid"])
	assert.Equal(t, false, outs[1]["valid"])
	assert.Equal(t, "Expired", outs[1]["errorKind"])
	assert.NotEmpty(t, outs[1]["expiredAt"])
	assert.Equal(t, "b", outs[1]["id"])
	assert.Equal(t, true, outs[2]["valid"])
}

func TestValidate_Abort(t *testing.T) {
	p := newIDP(t)
	good := p.sign(t, jwt.MapClaims{"sub": "u1"})

	out, err := execute(t, "", "validate", "--jwks-url", p.srv.URL, good, "garbage", good)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item 1")

	outs := decodeOutput(t, out)
	assert.Len(t, outs, 1, "records before the failure are still printed")
}

func TestValidate_NoCheckExpiry(t *testing.T) {
	p := newIDP(t)
	expired := p.sign(t, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()})

	_, err := execute(t, "", "validate", "--jwks-url", p.srv.URL, expired)
	require.Error(t, err)

	_, err = execute(t, "", "validate", "--jwks-url", p.srv.URL, "--no-check-expiry", expired)
	assert.NoError(t, err)
}

func TestDecode_Stdin(t *testing.T) {
	p := newIDP(t)
	tok := p.sign(t, jwt.MapClaims{"sub": "u1"})

	out, err := execute(t, tok+"\n", "decode")
	require.NoError(t, err)

	outs := decodeOutput(t, out)
	require.Len(t, outs, 1)
	assert.Equal(t, "k1", outs[0]["header"].(map[string]any)["kid"])
	assert.Equal(t, "u1", outs[0]["payload"].(map[string]any)["sub"])
	assert.NotContains(t, outs[0], "valid")
}

func TestDecode_NoInput(t *testing.T) {
	_, err := execute(t, "", "decode")
	assert.Error(t, err)
}

func TestParseRecords(t *testing.T) {
	recs, err := parseRecords([]byte(`{"token":"x"}`), "token")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"token": "x"}}, recs)

	recs, err = parseRecords([]byte("a.b.c\n d.e.f "), "jwt")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"jwt": "a.b.c"}, {"jwt": "d.e.f"}}, recs)

	_, err = parseRecords([]byte(`[1,2]`), "token")
	assert.Error(t, err)
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "", "--version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}
