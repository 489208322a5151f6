package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/logrusorgru/aurora"
	"github.com/spf13/cobra"

	"jwtvalidate/internal/application/batch"
	"jwtvalidate/internal/buildinfo"
	"jwtvalidate/internal/infrastructure/configfile"
	"jwtvalidate/internal/transport/runtime"
)

type batchOptions struct {
	Input          string
	TokenField     string
	ContinueOnFail bool
	Concurrency    int
	Summary        bool

	JWKSURL       string
	DiscoveryPath string
	Issuer        string
	Audience      string
	NoCheckExpiry bool
	Scopes        []string
	ScopeClaim    string
}

func newValidateCmd(root *RootOptions) *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "validate [token...]",
		Short: "Verify tokens and print one JSON record per item",
		Example: "  jwtvalidate validate --jwks-url https://idp.example.com/keys eyJhbGciOi...\n" +
			"  jwtvalidate validate --input items.json --token-field jwt --continue-on-fail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, root, opts, batch.ModeValidate, args)
		},
	}
	addBatchFlags(cmd, opts)

	f := cmd.Flags()
	f.StringVar(&opts.JWKSURL, "jwks-url", "", "JWKS URL; without it the key set is discovered from the token issuer")
	f.StringVar(&opts.DiscoveryPath, "discovery-path", "", "Discovery document path appended to the issuer")
	f.StringVar(&opts.Issuer, "issuer", "", "Required iss claim")
	f.StringVar(&opts.Audience, "audience", "", "Required aud claim")
	f.BoolVar(&opts.NoCheckExpiry, "no-check-expiry", false, "Accept expired tokens")
	f.StringSliceVar(&opts.Scopes, "scopes", nil, "Required scopes (comma or space separated)")
	f.StringVar(&opts.ScopeClaim, "scope-claim", "", "Claim holding the token scopes")
	return cmd
}

func newDecodeCmd(root *RootOptions) *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "decode [token...]",
		Short: "Decode tokens without verifying them",
		Long: "decode prints the header and payload of each token. Nothing is verified:\n" +
			"the output must not be trusted for authorization decisions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, root, opts, batch.ModeDecode, args)
		},
	}
	addBatchFlags(cmd, opts)
	return cmd
}

func addBatchFlags(cmd *cobra.Command, opts *batchOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.Input, "input", "i", "", `JSON array of records, or "-" for stdin`)
	f.StringVar(&opts.TokenField, "token-field", "token", "Record field holding the token")
	f.BoolVar(&opts.ContinueOnFail, "continue-on-fail", false, "Record failures in the output instead of aborting")
	f.IntVar(&opts.Concurrency, "concurrency", 0, "Items processed at once (default from batch.concurrency)")
	f.BoolVar(&opts.Summary, "summary", false, "Print a coloured summary to stderr")
}

func (o *batchOptions) override(cmd *cobra.Command) func(*configfile.Config) {
	return func(c *configfile.Config) {
		if o.JWKSURL != "" {
			c.JWKS.Mode = configfile.JWKSModeCustomURL
			c.JWKS.URL = o.JWKSURL
		}
		if o.DiscoveryPath != "" {
			c.JWKS.DiscoveryPath = o.DiscoveryPath
		}
		if o.Issuer != "" {
			c.Validation.Issuer = o.Issuer
		}
		if o.Audience != "" {
			c.Validation.Audience = o.Audience
		}
		if o.NoCheckExpiry {
			off := false
			c.Validation.CheckExpiry = &off
		}
		if len(o.Scopes) > 0 {
			c.Validation.RequiredScopes = o.Scopes
		}
		if o.ScopeClaim != "" {
			c.Validation.ScopeClaimName = o.ScopeClaim
		}
		if cmd.Flags().Changed("continue-on-fail") {
			c.Batch.ContinueOnFail = o.ContinueOnFail
		}
		if o.Concurrency > 0 {
			c.Batch.Concurrency = o.Concurrency
		}
	}
}

func runBatch(cmd *cobra.Command, root *RootOptions, opts *batchOptions, mode batch.Mode, args []string) error {
	records, err := readRecords(cmd.InOrStdin(), opts, args)
	if err != nil {
		return err
	}

	stack, shutdown, err := runtime.Bootstrap(cmd.Context(), runtime.Options{
		ConfigPath: root.Config,
		Debug:      root.Debug,
		Verbose:    root.Verbose,
		Version:    buildinfo.Version,
		Override:   opts.override(cmd),
		LogOutput:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(cmd.Context()) }()

	params := batch.TokenField(opts.TokenField, batch.Params{
		Mode:    mode,
		Source:  stack.Config.Source(),
		Options: stack.Config.Options(),
	})
	outs, runErr := stack.Runner.ProcessBatch(cmd.Context(), batch.NewItems(records), params, stack.Config.Batch.ContinueOnFail)

	// Records processed before an abort are still printed.
	if err := writeJSON(cmd.OutOrStdout(), outs); err != nil {
		return err
	}
	if opts.Summary {
		printSummary(cmd.ErrOrStderr(), len(records), outs, runErr)
	}

	var ie *batch.ItemError
	if errors.As(runErr, &ie) {
		return fmt.Errorf("batch aborted at item %d: %w", ie.Index, ie.Err)
	}
	return runErr
}

// readRecords takes bare tokens from args, or a JSON array of objects from
// --input (or stdin when nothing else is given).
func readRecords(stdin io.Reader, opts *batchOptions, args []string) ([]map[string]any, error) {
	if len(args) > 0 {
		if opts.Input != "" {
			return nil, errors.New("pass tokens as arguments or --input, not both")
		}
		records := make([]map[string]any, len(args))
		for i, tok := range args {
			records[i] = map[string]any{opts.TokenField: tok}
		}
		return records, nil
	}

	var (
		b   []byte
		err error
	)
	switch opts.Input {
	case "", "-":
		b, err = io.ReadAll(stdin)
	default:
		b, err = os.ReadFile(opts.Input)
	}
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return parseRecords(b, opts.TokenField)
}

// parseRecords accepts a JSON array of objects, a single object, or
// whitespace separated bare tokens.
func parseRecords(b []byte, tokenField string) ([]map[string]any, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("no input: pass tokens as arguments or a JSON array via --input or stdin")
	}

	switch b[0] {
	case '[':
		var records []map[string]any
		if err := json.Unmarshal(b, &records); err != nil {
			return nil, fmt.Errorf("parse input: expected a JSON array of objects: %w", err)
		}
		return records, nil
	case '{':
		var record map[string]any
		if err := json.Unmarshal(b, &record); err != nil {
			return nil, fmt.Errorf("parse input: %w", err)
		}
		return []map[string]any{record}, nil
	default:
		var records []map[string]any
		for _, tok := range strings.Fields(string(b)) {
			records = append(records, map[string]any{tokenField: tok})
		}
		return records, nil
	}
}

func writeJSON(w io.Writer, outs []batch.Output) error {
	if outs == nil {
		outs = []batch.Output{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(outs)
}

func printSummary(w io.Writer, total int, outs []batch.Output, runErr error) {
	failed := 0
	for _, o := range outs {
		if _, ok := o["errorKind"]; ok {
			failed++
		}
	}
	ok := len(outs) - failed
	fmt.Fprintf(w, "%s %d  %s %d  %s %d\n",
		aurora.Green("ok"), ok,
		aurora.Red("failed"), failed,
		aurora.Faint("total"), total,
	)
	if runErr != nil {
		fmt.Fprintln(w, aurora.Red("aborted: "+runErr.Error()))
	}
}
