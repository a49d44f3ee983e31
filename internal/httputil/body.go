// Package httputil bounds how much of an upstream payload the gateway will buffer.
package httputil

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// DefaultMaxResponseBodyBytes caps a model backend response at 4MB.
const DefaultMaxResponseBodyBytes int64 = 4 << 20

// ErrResponseBodyTooLarge is returned when a body exceeds its limit.
var ErrResponseBodyTooLarge = errors.New("response body too large")

// ReadLimitedBody reads up to maxBytes from reader. When the body is longer it
// returns the first maxBytes together with ErrResponseBodyTooLarge.
// A non-positive maxBytes reads everything.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:maxBytes], ErrResponseBodyTooLarge
	}
	return body, nil
}

// DecodeLimitedJSON reads at most maxBytes and decodes them into v.
func DecodeLimitedJSON(reader io.Reader, maxBytes int64, v any) error {
	body, err := ReadLimitedBody(reader, maxBytes)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}
