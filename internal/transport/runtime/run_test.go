package runtime

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jwtvalidate/internal/domain/token"
	"jwtvalidate/internal/infrastructure/configfile"
)

func TestLoadConfig_DefaultsWhenMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("", slog.Default())
	require.NoError(t, err)
	assert.Equal(t, configfile.JWKSModeAutoDiscover, cfg.JWKS.Mode)
}

func TestLoadConfig_JSONFallback(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jwtvalidate.json"),
		[]byte(`{"jwks":{"url":"https://keys.example.com/jwks.json"}}`), 0o600))

	cfg, err := LoadConfig(DefaultConfigPath, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, token.CustomURL{URL: "https://keys.example.com/jwks.json"}, cfg.Source())
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), slog.Default())
	assert.Error(t, err)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWTVALIDATE_ISSUER", "https://idp.example.com/")

	cfg, err := LoadConfig("", slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com/", cfg.Options().Issuer)
}

func TestBootstrap_Override(t *testing.T) {
	t.Chdir(t.TempDir())
	var logs bytes.Buffer

	stack, shutdown, err := Bootstrap(context.Background(), Options{
		Version:   "test",
		LogOutput: &logs,
		Override: func(c *configfile.Config) {
			c.Batch.Concurrency = 3
			c.JWKS.DiscoveryPath = "/oidc"
		},
	})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	assert.Equal(t, 3, stack.Runner.Concurrency)
	assert.Equal(t, "https://idp.example.com/oidc", stack.Resolver.DiscoveryURL("https://idp.example.com"))
	assert.NotNil(t, stack.Engine)
	assert.NotNil(t, stack.Keys)
}

func TestBootstrap_OverrideInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	_, _, err := Bootstrap(context.Background(), Options{
		LogOutput: &bytes.Buffer{},
		Override: func(c *configfile.Config) {
			c.JWKS.Mode = configfile.JWKSModeCustomURL
		},
	})
	assert.Error(t, err)
}
