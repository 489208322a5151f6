package verify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"jwtvalidate/internal/domain/claims"
	"jwtvalidate/internal/domain/token"
)

var (
	errEmptyToken         = errors.New("empty token")
	errInvalidTokenFormat = errors.New("invalid JWT token format: expected three dot-separated segments")
)

var segmentDecoder = jwt.NewParser()

// Decode parses header, payload and signature without verifying anything.
// The result is not trustworthy and must not be used for authorization.
func Decode(raw string) (*token.Decoded, error) {
	d, err := decode(raw)
	if err != nil {
		return nil, token.DecodeFailed(err)
	}
	return d, nil
}

func decode(raw string) (*token.Decoded, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errEmptyToken
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, errInvalidTokenFormat
	}

	header, err := decodeObject(parts[0])
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	payload, err := decodeObject(parts[1])
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	sig, err := segmentDecoder.DecodeSegment(parts[2])
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	return &token.Decoded{Header: header, Payload: payload, Signature: sig}, nil
}

func decodeObject(seg string) (claims.Map, error) {
	if seg == "" {
		return nil, errors.New("empty segment")
	}
	b, err := segmentDecoder.DecodeSegment(seg)
	if err != nil {
		return nil, err
	}
	return claims.Parse(b)
}
