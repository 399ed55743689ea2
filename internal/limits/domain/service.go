// Package domain defines tenant limit administration.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// SetLimitRequest carries the raw tokenLimit so validation can distinguish
// the JSON shapes a client might send (null, bool, number, string) instead
// of letting the decoder coerce them.
type SetLimitRequest struct {
	TenantID   string          `json:"tenantId"`
	TokenLimit json.RawMessage `json:"tokenLimit"`
}

type SetLimitResponse struct {
	Success    bool   `json:"success"`
	TenantID   string `json:"tenantId"`
	TokenLimit int64  `json:"tokenLimit"`
}

type Service interface {
	// SetLimit validates and stores the tenant's token limit, creating the
	// aggregate row when the tenant has no usage yet. Counters are never
	// touched.
	SetLimit(context.Context, SetLimitRequest) (SetLimitResponse, error)
}

// Validation errors carry the exact client-facing messages.
var (
	ErrTenantRequired   = errors.New("tenantId is required")
	ErrLimitRequired    = errors.New("Token limit is required")
	ErrLimitNotInteger  = errors.New("Token limit must be a positive integer")
	ErrLimitFractional  = errors.New("Token limit must be a positive integer, not a decimal")
	ErrLimitNotPositive = errors.New("Token limit must be greater than zero")
)

// ParseTokenLimit validates the raw tokenLimit value. Booleans are rejected
// before numeric handling (a bool is not a count). Whole-valued floats like
// 100.0 pass; fractional values get their own message. Numeric strings are
// accepted the way lenient clients send them.
func ParseTokenLimit(raw json.RawMessage) (int64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, ErrLimitRequired
	}
	if trimmed == "true" || trimmed == "false" {
		return 0, ErrLimitNotInteger
	}

	decoder := json.NewDecoder(strings.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return 0, ErrLimitNotInteger
	}

	var limit int64
	switch v := value.(type) {
	case json.Number:
		parsed, err := parseNumber(v)
		if err != nil {
			return 0, err
		}
		limit = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, ErrLimitNotInteger
		}
		limit = parsed
	default:
		return 0, ErrLimitNotInteger
	}

	if limit <= 0 {
		return 0, ErrLimitNotPositive
	}
	return limit, nil
}

func parseNumber(n json.Number) (int64, error) {
	if value, err := n.Int64(); err == nil {
		return value, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, ErrLimitNotInteger
	}
	if f != math.Trunc(f) {
		return 0, ErrLimitFractional
	}
	// float64(MaxInt64) rounds up to 2^63, so the comparison must be
	// inclusive or exactly 2^63 slips into an out-of-range conversion.
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, ErrLimitNotInteger
	}
	return int64(f), nil
}
