package batch

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"jwtvalidate/internal/domain/token"
)

type Mode int

const (
	ModeValidate Mode = iota
	ModeDecode
)

func (m Mode) String() string {
	switch m {
	case ModeValidate:
		return "validate"
	case ModeDecode:
		return "decode"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "validate":
		return ModeValidate, nil
	case "decode":
		return ModeDecode, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want validate or decode)", s)
	}
}

// Item is one input record. JSON is never modified.
type Item struct {
	JSON  map[string]any
	Index int
}

func NewItems(records []map[string]any) []Item {
	items := make([]Item, len(records))
	for i, rec := range records {
		items[i] = Item{JSON: rec, Index: i}
	}
	return items
}

// Output is the original JSON merged with the result fields.
type Output map[string]any

type Params struct {
	Mode    Mode
	Token   string
	Source  token.JWKSSource
	Options token.Options
}

// ParamsFunc resolves the parameters for one item. Hosts that vary
// parameters per item implement it; TokenField covers the common case.
type ParamsFunc func(Item) (Params, error)

var ErrMissingToken = errors.New("missing token")

// TokenField reads the token from a string field of each item and uses base
// for everything else.
func TokenField(field string, base Params) ParamsFunc {
	return func(it Item) (Params, error) {
		p := base
		raw, ok := it.JSON[field]
		if !ok || raw == nil {
			return p, fmt.Errorf("%w: field %q not set", ErrMissingToken, field)
		}
		s, ok := raw.(string)
		if !ok {
			return p, fmt.Errorf("%w: field %q is %T, not a string", ErrMissingToken, field, raw)
		}
		if strings.TrimSpace(s) == "" {
			return p, fmt.Errorf("%w: field %q is empty", ErrMissingToken, field)
		}
		p.Token = s
		return p, nil
	}
}

// Static returns the same parameters for every item.
func Static(p Params) ParamsFunc {
	return func(Item) (Params, error) { return p, nil }
}

// ItemError aborts a batch. Index is the 0-based position of the failing item.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

func merge(original map[string]any, fields map[string]any) Output {
	out := make(Output, len(original)+len(fields))
	maps.Copy(out, original)
	maps.Copy(out, fields)
	return out
}

func successOutput(it Item, fields map[string]any) Output {
	return merge(it.JSON, fields)
}

func failureOutput(it Item, err error) Output {
	fields := map[string]any{
		"valid": false,
		"error": err.Error(),
	}
	if te, ok := token.AsError(err); ok {
		maps.Copy(fields, te.Fields())
	}
	return merge(it.JSON, fields)
}

// asItemFailure makes every failure a *token.Error so the output carries an
// errorKind.
func asItemFailure(err error) error {
	if _, ok := token.AsError(err); ok {
		return err
	}
	if errors.Is(err, ErrMissingToken) {
		return token.DecodeFailed(err)
	}
	return &token.Error{Kind: token.KindVerificationFailed, Err: err}
}
