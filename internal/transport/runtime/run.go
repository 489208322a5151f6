package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"jwtvalidate/internal/application/batch"
	"jwtvalidate/internal/application/resolver"
	"jwtvalidate/internal/application/verify"
	"jwtvalidate/internal/infrastructure/configfile"
	"jwtvalidate/internal/infrastructure/httpjson"
	"jwtvalidate/internal/infrastructure/keystore"
	"jwtvalidate/internal/observability"
	"jwtvalidate/internal/transport/httpapi"
)

const (
	DefaultConfigPath = "jwtvalidate.yaml"
	EnvPrefix         = "JWTVALIDATE_"
)

type Options struct {
	Addr       string
	ConfigPath string
	Debug      bool
	Verbose    bool
	Version    string

	// Override adjusts the loaded config, e.g. with command line flags.
	Override func(*configfile.Config)
	LogOutput io.Writer
}

// Stack is the wired validation pipeline shared by the CLI and the server.
type Stack struct {
	Config   configfile.Config
	Logger   *slog.Logger
	Keys     *keystore.Cache
	Resolver *resolver.Resolver
	Engine   *verify.Engine
	Runner   *batch.Runner
}

// LoadConfig reads path, falling back to jwtvalidate.json and then to
// defaults when the default file is absent. Env overrides apply last.
func LoadConfig(path string, logger *slog.Logger) (configfile.Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg, err := configfile.ParseFile(path)
	if err != nil {
		switch {
		case os.IsNotExist(err) && path == DefaultConfigPath:
			alt := "jwtvalidate.json"
			if _, statErr := os.Stat(alt); statErr == nil {
				cfg, err = configfile.ParseFile(alt)
				if err != nil {
					return configfile.Config{}, fmt.Errorf("parse config: %w", err)
				}
			} else if os.IsNotExist(statErr) {
				logger.Debug("config file not found; starting with defaults", "path", path)
				cfg = configfile.Default()
			} else {
				return configfile.Config{}, fmt.Errorf("stat config %q: %w", alt, statErr)
			}
		default:
			return configfile.Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(EnvPrefix); err != nil {
		return configfile.Config{}, fmt.Errorf("apply env: %w", err)
	}
	return cfg, nil
}

// Build wires the key store, resolver, engine and runner from cfg.
func Build(cfg configfile.Config, logger *slog.Logger, version string) *Stack {
	docs := httpjson.New(cfg.HTTPTimeout(), "jwtvalidate/"+version)
	keys := keystore.New(keystore.Config{
		HTTPClient: docs.HTTPClient,
		TTL:        cfg.CacheTTL(),
	})
	res := resolver.New(docs, cfg.JWKS.DiscoveryPath)
	engine := verify.New(verify.Config{
		Resolver:   res,
		Keys:       keys,
		Algorithms: cfg.Validation.Algorithms,
		Leeway:     cfg.Leeway(),
	})
	runner := batch.NewRunner(engine, logger)
	runner.Concurrency = cfg.Batch.Concurrency

	return &Stack{
		Config:   cfg,
		Logger:   logger,
		Keys:     keys,
		Resolver: res,
		Engine:   engine,
		Runner:   runner,
	}
}

// Bootstrap loads .env and config, sets up logging and tracing and builds the
// stack. The returned shutdown flushes traces.
func Bootstrap(ctx context.Context, opts Options) (*Stack, func(context.Context) error, error) {
	_ = godotenv.Load()

	// Config errors are logged before log.* settings are known.
	boot := observability.NewLogger(observability.LogConfig{
		Level:   levelFor(opts, "info"),
		Version: opts.Version,
		Output:  opts.LogOutput,
	})
	cfg, err := LoadConfig(opts.ConfigPath, boot)
	if err != nil {
		return nil, nil, err
	}
	if opts.Override != nil {
		opts.Override(&cfg)
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:   levelFor(opts, cfg.Log.Level),
		Format:  cfg.Log.Format,
		Version: opts.Version,
		Output:  opts.LogOutput,
	})

	shutdown, err := observability.SetupFromEnv(ctx, "jwtvalidate", opts.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("setup tracing: %w", err)
	}
	return Build(cfg, logger, opts.Version), shutdown, nil
}

func levelFor(opts Options, configured string) string {
	if opts.Debug || opts.Verbose {
		return "debug"
	}
	return configured
}

// Run serves the HTTP API until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts Options) error {
	stack, shutdownTracing, err := Bootstrap(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			stack.Logger.Warn("trace shutdown failed", "err", err)
		}
	}()

	addr := opts.Addr
	if addr == "" {
		addr = stack.Config.Server.Addr
	}

	app, err := httpapi.NewApp(httpapi.Deps{
		Version:  opts.Version,
		Config:   stack.Config,
		Verifier: stack.Engine,
		Runner:   stack.Runner,
		Logger:   stack.Logger,
	})
	if err != nil {
		return err
	}

	// Fiber wants an addr string, but we validate it to fail early with a good error.
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid addr %q: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	stack.Logger.Info("listening",
		"addr", addr,
		"jwks_mode", stack.Config.JWKS.Mode,
		"concurrency", stack.Runner.Concurrency,
	)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-ctx.Done():
	case <-sigs:
	case err := <-errCh:
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}
