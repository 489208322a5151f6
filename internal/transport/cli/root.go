package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"jwtvalidate/internal/buildinfo"
	"jwtvalidate/internal/transport/runtime"
)

type RootOptions struct {
	Config  string
	Debug   bool
	Verbose bool
}

func NewRoot() *cobra.Command {
	opts := &RootOptions{
		Config: runtime.DefaultConfigPath,
	}

	cmd := &cobra.Command{
		Use:   "jwtvalidate",
		Short: "Validate JWTs against a JWKS",
		Long: "jwtvalidate verifies JSON Web Tokens against a JSON Web Key Set that is either\n" +
			"configured directly or discovered from the token issuer via OpenID Connect.\n" +
			"Tokens are processed in batches of JSON records, from files, stdin or HTTP.",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.Config, "config", opts.Config, "Path to config file (.yaml, .yml or .json)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Enable debug output")
	cmd.PersistentFlags().BoolVar(&opts.Verbose, "verbose", false, "Enable verbose logging")

	cmd.AddCommand(
		newValidateCmd(opts),
		newDecodeCmd(opts),
		newServeCmd(opts),
	)

	return cmd
}

type serveOptions struct {
	Host string
	Port int
}

func newServeCmd(root *RootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Host, "host", "", "Host to bind to (default from server.addr)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "Port to listen on (default from server.addr)")
	return cmd
}

func runServe(ctx context.Context, root *RootOptions, opts *serveOptions) error {
	addr := ""
	if opts.Host != "" || opts.Port != 0 {
		host, port := opts.Host, opts.Port
		if host == "" {
			host = "0.0.0.0"
		}
		if port == 0 {
			port = 1337
		}
		addr = fmt.Sprintf("%s:%d", host, port)
	}
	return runtime.Run(ctx, runtime.Options{
		Addr:       addr,
		ConfigPath: root.Config,
		Debug:      root.Debug,
		Verbose:    root.Verbose,
		Version:    buildinfo.Version,
	})
}
