package claims

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var ErrClaimNotFound = errors.New("claim not found")

// ShapeError reports a claim that exists but does not have the shape the
// caller asked for.
type ShapeError struct {
	Claim string
	Want  string
	Got   Kind
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("claim %q: want %s, got %s", e.Claim, e.Want, e.Got)
}

func (m Map) lookup(name string) (Value, error) {
	v, ok := m[name]
	if !ok {
		return Value{}, fmt.Errorf("%q: %w", name, ErrClaimNotFound)
	}
	return v, nil
}

func (m Map) Has(name string) bool {
	_, ok := m[name]
	return ok
}

func (m Map) String(name string) (string, error) {
	v, err := m.lookup(name)
	if err != nil {
		return "", err
	}
	s, ok := v.AsString()
	if !ok {
		return "", &ShapeError{Claim: name, Want: "string", Got: v.Kind()}
	}
	return s, nil
}

// Strings returns an array claim whose elements are all strings.
func (m Map) Strings(name string) ([]string, error) {
	v, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	arr, ok := v.AsArray()
	if !ok {
		return nil, &ShapeError{Claim: name, Want: "array of strings", Got: v.Kind()}
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.AsString()
		if !ok {
			return nil, &ShapeError{Claim: name, Want: "array of strings", Got: item.Kind()}
		}
		out = append(out, s)
	}
	return out, nil
}

// StringOrStrings accepts either a whitespace-delimited string or an array
// of strings, the two shapes used for scope and audience claims.
func (m Map) StringOrStrings(name string) ([]string, error) {
	v, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if s, ok := v.AsString(); ok {
		return strings.Fields(s), nil
	}
	if v.Kind() == KindArray {
		return m.Strings(name)
	}
	return nil, &ShapeError{Claim: name, Want: "string or array of strings", Got: v.Kind()}
}

func (m Map) Number(name string) (float64, error) {
	v, err := m.lookup(name)
	if err != nil {
		return 0, err
	}
	n, ok := v.AsNumber()
	if !ok {
		return 0, &ShapeError{Claim: name, Want: "number", Got: v.Kind()}
	}
	return n, nil
}

// Time reads a NumericDate claim (seconds since the epoch, fractions allowed).
func (m Map) Time(name string) (time.Time, error) {
	n, err := m.Number(name)
	if err != nil {
		return time.Time{}, err
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
