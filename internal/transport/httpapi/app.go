package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humafiber"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"

	"jwtvalidate/internal/application/batch"
	"jwtvalidate/internal/domain/token"
	"jwtvalidate/internal/infrastructure/auth/jwtmiddleware"
	"jwtvalidate/internal/infrastructure/configfile"
)

type Deps struct {
	Version  string
	Config   configfile.Config
	Verifier batch.Verifier
	Runner   *batch.Runner
	Logger   *slog.Logger
}

type BatchInput struct {
	Body struct {
		Items          []map[string]any `json:"items" minItems:"1" doc:"Input records; each carries its token in token_field"`
		TokenField     string           `json:"token_field,omitempty" default:"token" doc:"Field of each item holding the token"`
		ContinueOnFail *bool            `json:"continue_on_fail,omitempty" doc:"Fold failures into the output instead of aborting"`
		RequiredScopes []string         `json:"required_scopes,omitempty" doc:"Overrides validation.required_scopes"`
	}
}

type BatchOutput struct {
	Body struct {
		Items []batch.Output `json:"items"`
	}
}

type IntrospectOutput struct {
	Body struct {
		Valid   bool           `json:"valid"`
		Header  map[string]any `json:"header"`
		Payload map[string]any `json:"payload"`
		JWKSURL string         `json:"jwks_url"`
		KeyID   string         `json:"kid"`
	}
}

// AbortError is the 422 body of an aborted batch. Items holds the records
// processed before the failing one.
type AbortError struct {
	huma.ErrorModel
	Items []batch.Output `json:"items"`
}

func NewApp(d Deps) (*fiber.App, error) {
	if d.Runner == nil || d.Verifier == nil {
		return nil, errors.New("httpapi: runner and verifier are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Request spans are no-ops unless a TracerProvider is configured (see internal/observability).
	app.Use(otelfiber.Middleware())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := humafiber.New(app, huma.DefaultConfig("jwtvalidate", d.Version))

	auth := jwtmiddleware.New(jwtmiddleware.Config{
		EnableAuthOnOptions: d.Config.Server.EnableAuthOnOptions,
		TokenExtractors:     d.Config.Server.TokenExtractors,
		Validator:           d.Verifier,
		Source:              d.Config.Source(),
		Options:             d.Config.Options(),
	}).Huma(api)

	huma.Register(api, huma.Operation{
		OperationID: "validate-batch",
		Method:      fiber.MethodPost,
		Path:        "/v1/validate",
		Summary:     "Validate a batch of tokens against their JWKS",
		Errors:      []int{400, 422},
	}, func(ctx context.Context, input *BatchInput) (*BatchOutput, error) {
		return runBatch(ctx, d, input, batch.ModeValidate)
	})

	huma.Register(api, huma.Operation{
		OperationID: "decode-batch",
		Method:      fiber.MethodPost,
		Path:        "/v1/decode",
		Summary:     "Decode a batch of tokens without verifying them",
		Description: "The decoded header and payload are not verified and must not be trusted.",
		Errors:      []int{400, 422},
	}, func(ctx context.Context, input *BatchInput) (*BatchOutput, error) {
		return runBatch(ctx, d, input, batch.ModeDecode)
	})

	huma.Get(api, "/v1/introspect", func(ctx context.Context, _ *struct{}) (*IntrospectOutput, error) {
		info, ok := jwtmiddleware.FromContext(ctx)
		if !ok || info.Verified == nil {
			return nil, huma.Error401Unauthorized("missing bearer token")
		}
		resp := &IntrospectOutput{}
		resp.Body.Valid = true
		resp.Body.Header = info.Verified.Header.Any()
		resp.Body.Payload = info.Verified.Payload.Any()
		resp.Body.JWKSURL = info.Verified.JWKSURL
		resp.Body.KeyID = info.Verified.KeyID
		return resp, nil
	}, func(o *huma.Operation) {
		o.Summary = "Validate the bearer token of this request"
		o.Middlewares = append(o.Middlewares, auth)
	})

	return app, nil
}

func runBatch(ctx context.Context, d Deps, input *BatchInput, mode batch.Mode) (*BatchOutput, error) {
	field := input.Body.TokenField
	if field == "" {
		field = "token"
	}
	opts := d.Config.Options()
	if input.Body.RequiredScopes != nil {
		opts.RequiredScopes = input.Body.RequiredScopes
	}
	continueOnFail := d.Config.Batch.ContinueOnFail
	if input.Body.ContinueOnFail != nil {
		continueOnFail = *input.Body.ContinueOnFail
	}

	params := batch.TokenField(field, batch.Params{
		Mode:    mode,
		Source:  d.Config.Source(),
		Options: opts,
	})
	outs, err := d.Runner.ProcessBatch(ctx, batch.NewItems(input.Body.Items), params, continueOnFail)
	if err != nil {
		var ie *batch.ItemError
		if !errors.As(err, &ie) {
			return nil, err
		}
		detail := &huma.ErrorDetail{
			Message:  ie.Err.Error(),
			Location: fmt.Sprintf("body.items[%d]", ie.Index),
		}
		if te, ok := token.AsError(ie.Err); ok {
			detail.Value = te.Fields()
		}
		d.Logger.Info("batch aborted", "mode", mode.String(), "index", ie.Index, "err", ie.Err)
		if outs == nil {
			outs = []batch.Output{}
		}
		return nil, &AbortError{
			ErrorModel: huma.ErrorModel{
				Title:  http.StatusText(http.StatusUnprocessableEntity),
				Status: http.StatusUnprocessableEntity,
				Detail: fmt.Sprintf("item %d failed", ie.Index),
				Errors: []*huma.ErrorDetail{detail},
			},
			Items: outs,
		}
	}

	resp := &BatchOutput{}
	resp.Body.Items = outs
	return resp, nil
}
