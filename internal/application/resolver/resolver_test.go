package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"jwtvalidate/internal/domain/claims"
	"jwtvalidate/internal/domain/token"
)

// MockDocumentFetcher is a ports.DocumentFetcher backed by testify/mock.
type MockDocumentFetcher struct {
	mock.Mock
}

func (m *MockDocumentFetcher) GetJSON(ctx context.Context, url string, v any) error {
	args := m.Called(ctx, url)
	if body, ok := args.Get(0).(string); ok && body != "" {
		if err := json.Unmarshal([]byte(body), v); err != nil {
			return err
		}
	}
	return args.Error(1)
}

func decodedWithIssuer(iss string) *token.Decoded {
	payload := claims.Map{}
	if iss != "" {
		payload["iss"] = claims.String(iss)
	}
	return &token.Decoded{Header: claims.Map{}, Payload: payload}
}

func TestDiscoveryURL(t *testing.T) {
	r := New(nil, "")
	assert.Equal(t, "https://idp.example.com/.well-known/openid-configuration", r.DiscoveryURL("https://idp.example.com/"))
	assert.Equal(t, "https://idp.example.com/.well-known/openid-configuration", r.DiscoveryURL("https://idp.example.com"))
	assert.Equal(t, "https://idp.example.com/tenant/.well-known/openid-configuration", r.DiscoveryURL("https://idp.example.com/tenant/"))

	custom := New(nil, "oidc/config")
	assert.Equal(t, "https://idp.example.com/oidc/config", custom.DiscoveryURL("https://idp.example.com/"))
}

func TestResolve_CustomURL(t *testing.T) {
	docs := new(MockDocumentFetcher)
	r := New(docs, "")

	got, err := r.Resolve(context.Background(), decodedWithIssuer(""), token.CustomURL{URL: "https://keys.example.com/jwks.json"})
	require.NoError(t, err)
	assert.Equal(t, "https://keys.example.com/jwks.json", got)

	_, err = r.Resolve(context.Background(), decodedWithIssuer(""), token.CustomURL{})
	assert.True(t, errors.Is(err, token.ErrMissingJWKSURL))

	_, err = r.Resolve(context.Background(), decodedWithIssuer(""), nil)
	assert.True(t, errors.Is(err, token.ErrMissingJWKSURL))

	docs.AssertNotCalled(t, "GetJSON", mock.Anything, mock.Anything)
}

func TestResolve_AutoDiscover(t *testing.T) {
	docs := new(MockDocumentFetcher)
	docs.On("GetJSON", mock.Anything, "https://idp.example.com/.well-known/openid-configuration").
		Return(`{"issuer":"https://idp.example.com/","jwks_uri":"https://idp.example.com/keys"}`, nil).Once()

	r := New(docs, "")
	got, err := r.Resolve(context.Background(), decodedWithIssuer("https://idp.example.com/"), token.AutoDiscover{})
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com/keys", got)
	docs.AssertExpectations(t)
}

func TestResolve_AutoDiscoverMissingIssuer(t *testing.T) {
	docs := new(MockDocumentFetcher)
	r := New(docs, "")

	_, err := r.Resolve(context.Background(), decodedWithIssuer(""), token.AutoDiscover{})
	assert.True(t, errors.Is(err, token.ErrMissingIssuer))
	docs.AssertNotCalled(t, "GetJSON", mock.Anything, mock.Anything)
}

func TestResolve_DiscoveryFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
	}{
		{name: "transport error", err: errors.New("connection refused")},
		{name: "missing jwks_uri", body: `{"issuer":"https://idp.example.com"}`},
		{name: "empty jwks_uri", body: `{"jwks_uri":"  "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := new(MockDocumentFetcher)
			docs.On("GetJSON", mock.Anything, "https://idp.example.com/.well-known/openid-configuration").
				Return(tt.body, tt.err)

			r := New(docs, "")
			_, err := r.Resolve(context.Background(), decodedWithIssuer("https://idp.example.com"), token.AutoDiscover{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, token.ErrDiscoveryFailed))

			te, ok := token.AsError(err)
			require.True(t, ok)
			assert.Equal(t, "https://idp.example.com/.well-known/openid-configuration", te.Context.DiscoveryURL)
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err))
			}
		})
	}
}

func TestPrecheck(t *testing.T) {
	got, err := Precheck(decodedWithIssuer(""), token.CustomURL{URL: "https://keys.example.com/jwks.json"})
	require.NoError(t, err)
	assert.Equal(t, "https://keys.example.com/jwks.json", got)

	got, err = Precheck(decodedWithIssuer("https://idp.example.com/"), token.AutoDiscover{})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Precheck(decodedWithIssuer(""), token.AutoDiscover{})
	assert.True(t, errors.Is(err, token.ErrMissingIssuer))

	_, err = Precheck(decodedWithIssuer(""), nil)
	assert.True(t, errors.Is(err, token.ErrMissingJWKSURL))
}
