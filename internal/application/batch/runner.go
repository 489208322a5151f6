package batch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"jwtvalidate/internal/domain/token"
	"jwtvalidate/internal/observability"
)

// Verifier is the part of the verification engine the runner drives.
type Verifier interface {
	Validate(ctx context.Context, raw string, src token.JWKSSource, opts token.Options) (*token.Verified, error)
	Decode(raw string) (*token.Decoded, error)
}

type Runner struct {
	verifier Verifier
	logger   *slog.Logger

	// Concurrency bounds how many items are processed at once. Values below
	// two process items strictly in order.
	Concurrency int
}

func NewRunner(v Verifier, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{verifier: v, logger: logger, Concurrency: 1}
}

// ProcessItem runs one item. With continueOnFail any failure is folded into
// the returned output and the error is nil; otherwise the failure is returned
// as an *ItemError and there is no output.
func (r *Runner) ProcessItem(ctx context.Context, it Item, p Params, continueOnFail bool) (Output, error) {
	out, err := r.run(ctx, it, p)
	return r.settle(ctx, it, out, err, continueOnFail)
}

// ProcessBatch runs items in index order. Without continueOnFail the first
// failure stops the batch: outputs of the items before it are returned with
// an *ItemError naming its index.
func (r *Runner) ProcessBatch(ctx context.Context, items []Item, params ParamsFunc, continueOnFail bool) ([]Output, error) {
	runID := uuid.NewString()
	log := r.logger.With("run_id", runID)

	var (
		outs []Output
		err  error
	)
	if r.Concurrency > 1 && len(items) > 1 {
		outs, err = r.processParallel(ctx, items, params, continueOnFail)
	} else {
		outs, err = r.processSequential(ctx, items, params, continueOnFail)
	}

	failed := 0
	for _, o := range outs {
		if v, _ := o["valid"].(bool); !v && o["error"] != nil {
			failed++
		}
	}
	if err != nil {
		failed++
	}
	log.Info("batch finished",
		"items", len(items),
		"outputs", len(outs),
		"failed", failed,
		"aborted", err != nil,
	)
	return outs, err
}

func (r *Runner) processSequential(ctx context.Context, items []Item, params ParamsFunc, continueOnFail bool) ([]Output, error) {
	outs := make([]Output, 0, len(items))
	for _, it := range items {
		out, err := r.processOne(ctx, it, params, continueOnFail)
		if err != nil {
			return outs, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

func (r *Runner) processParallel(ctx context.Context, items []Item, params ParamsFunc, continueOnFail bool) ([]Output, error) {
	outs := make([]Output, len(items))
	errs := make([]error, len(items))

	var (
		mu        sync.Mutex
		firstFail = len(items)
	)
	failedBefore := func(i int) bool {
		mu.Lock()
		defer mu.Unlock()
		return firstFail < i
	}

	g := new(errgroup.Group)
	g.SetLimit(r.Concurrency)
	for i, it := range items {
		if !continueOnFail && failedBefore(i) {
			break
		}
		g.Go(func() error {
			out, err := r.processOne(ctx, it, params, continueOnFail)
			if err != nil {
				errs[i] = err
				mu.Lock()
				if i < firstFail {
					firstFail = i
				}
				mu.Unlock()
				return nil
			}
			outs[i] = out
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			return outs[:i], err
		}
	}
	return outs, nil
}

func (r *Runner) processOne(ctx context.Context, it Item, params ParamsFunc, continueOnFail bool) (Output, error) {
	p, err := params(it)
	if err != nil {
		return r.settle(ctx, it, nil, err, continueOnFail)
	}
	return r.ProcessItem(ctx, it, p, continueOnFail)
}

func (r *Runner) run(ctx context.Context, it Item, p Params) (Output, error) {
	switch p.Mode {
	case ModeDecode:
		d, err := r.verifier.Decode(p.Token)
		if err != nil {
			return nil, err
		}
		return successOutput(it, map[string]any{
			"header":  d.Header.Any(),
			"payload": d.Payload.Any(),
		}), nil
	default:
		v, err := r.verifier.Validate(ctx, p.Token, p.Source, p.Options)
		if err != nil {
			return nil, err
		}
		return successOutput(it, map[string]any{
			"valid":   true,
			"payload": v.Payload.Any(),
		}), nil
	}
}

func (r *Runner) settle(ctx context.Context, it Item, out Output, err error, continueOnFail bool) (Output, error) {
	log := observability.WithTrace(ctx, r.logger)
	if err == nil {
		log.Debug("item processed", "index", it.Index, "valid", true)
		return out, nil
	}

	err = asItemFailure(err)
	kind := ""
	if te, ok := token.AsError(err); ok {
		kind = te.Kind.String()
	}
	log.Debug("item processed", "index", it.Index, "valid", false, "kind", kind, "err", err)

	if continueOnFail {
		return failureOutput(it, err), nil
	}
	return nil, &ItemError{Index: it.Index, Err: err}
}
