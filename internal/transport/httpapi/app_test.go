package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jwtvalidate/internal/application/batch"
	"jwtvalidate/internal/domain/claims"
	"jwtvalidate/internal/domain/token"
	"jwtvalidate/internal/infrastructure/configfile"
)

// stubVerifier accepts "good*" tokens. "noscope" fails the scope policy.
type stubVerifier struct{}

func (stubVerifier) Validate(_ context.Context, raw string, _ token.JWKSSource, _ token.Options) (*token.Verified, error) {
	switch {
	case strings.HasPrefix(raw, "good"):
		return &token.Verified{
			Header:  claims.Map{"alg": claims.String("RS256"), "kid": claims.String("k1")},
			Payload: claims.Map{"sub": claims.String(raw)},
			JWKSURL: "https://keys.example.com/jwks.json",
			KeyID:   "k1",
		}, nil
	case raw == "noscope":
		return nil, token.MissingScopes([]string{"admin"}, []string{"read"})
	default:
		return nil, token.MissingKeyID("https://keys.example.com/jwks.json")
	}
}

func (stubVerifier) Decode(raw string) (*token.Decoded, error) {
	if strings.Count(raw, ".") != 2 {
		return nil, token.DecodeFailed(io.ErrUnexpectedEOF)
	}
	return &token.Decoded{Header: claims.Map{"alg": claims.String("RS256")}, Payload: claims.Map{"sub": claims.String("u")}}, nil
}

func newTestApp(t *testing.T) *testAppHandle {
	t.Helper()
	cfg := configfile.Default()
	cfg.JWKS.Mode = configfile.JWKSModeCustomURL
	cfg.JWKS.URL = "https://keys.example.com/jwks.json"

	v := stubVerifier{}
	app, err := NewApp(Deps{
		Version:  "test",
		Config:   cfg,
		Verifier: v,
		Runner:   batch.NewRunner(v, nil),
	})
	require.NoError(t, err)
	return &testAppHandle{t: t, do: app.Test}
}

type testAppHandle struct {
	t  *testing.T
	do func(*http.Request, ...int) (*http.Response, error)
}

func (h *testAppHandle) request(method, path string, body any, headers ...string) (int, map[string]any) {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := h.do(req, -1)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(h.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	h := newTestApp(t)
	status, body := h.request(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func items(tokens ...string) []map[string]any {
	out := make([]map[string]any, len(tokens))
	for i, tok := range tokens {
		out[i] = map[string]any{"n": i, "token": tok}
	}
	return out
}

func TestValidate_ContinueOnFail(t *testing.T) {
	h := newTestApp(t)
	status, body := h.request(http.MethodPost, "/v1/validate", map[string]any{
		"items":            items("good-1", "bad", "good-3"),
		"continue_on_fail": true,
	})
	require.Equal(t, http.StatusOK, status, body)

	got := body["items"].([]any)
	require.Len(t, got, 3)
	assert.Equal(t, true, got[0].(map[string]any)["valid"])
	failed := got[1].(map[string]any)
	assert.Equal(t, false, failed["valid"])
	assert.Equal(t, "MissingKeyId", failed["errorKind"])
	assert.NotEmpty(t, failed["error"])
	assert.Equal(t, true, got[2].(map[string]any)["valid"])
}

func TestValidate_Abort(t *testing.T) {
	h := newTestApp(t)
	status, body := h.request(http.MethodPost, "/v1/validate", map[string]any{
		"items": items("good-1", "bad", "good-3"),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["detail"], "item 1")

	errs := body["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, "body.items[1]", errs[0].(map[string]any)["location"])

	done := body["items"].([]any)
	require.Len(t, done, 1, "records before the failure are kept")
	assert.Equal(t, true, done[0].(map[string]any)["valid"])
	assert.Equal(t, float64(0), done[0].(map[string]any)["n"])
}

func TestValidate_CustomTokenField(t *testing.T) {
	h := newTestApp(t)
	status, body := h.request(http.MethodPost, "/v1/validate", map[string]any{
		"items":       []map[string]any{{"jwt": "good-x"}},
		"token_field": "jwt",
	})
	require.Equal(t, http.StatusOK, status, body)
	got := body["items"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"sub": "good-x"}, got["payload"])
}

func TestDecode(t *testing.T) {
	h := newTestApp(t)
	status, body := h.request(http.MethodPost, "/v1/decode", map[string]any{
		"items":            items("a.b.c", "nope"),
		"continue_on_fail": true,
	})
	require.Equal(t, http.StatusOK, status, body)

	got := body["items"].([]any)
	require.Len(t, got, 2)
	assert.Equal(t, map[string]any{"alg": "RS256"}, got[0].(map[string]any)["header"])
	assert.Equal(t, "DecodeFailed", got[1].(map[string]any)["errorKind"])
}

func TestIntrospect(t *testing.T) {
	h := newTestApp(t)

	status, body := h.request(http.MethodGet, "/v1/introspect", nil, "Authorization", "Bearer good-token")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "k1", body["kid"])
	assert.Equal(t, map[string]any{"sub": "good-token"}, body["payload"])

	status, _ = h.request(http.MethodGet, "/v1/introspect?access_token=good-q", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = h.request(http.MethodGet, "/v1/introspect", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.request(http.MethodGet, "/v1/introspect", nil, "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.request(http.MethodGet, "/v1/introspect", nil, "Authorization", "Bearer bad")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.request(http.MethodGet, "/v1/introspect", nil, "Authorization", "Bearer noscope")
	assert.Equal(t, http.StatusForbidden, status)
}

func TestNewApp_RequiresDeps(t *testing.T) {
	_, err := NewApp(Deps{})
	assert.Error(t, err)
}
