// Package pricing quotes the price of a metered resource. The production
// deployment plugs a prediction model in behind Quoter; everything else in
// the system treats it as a black box.
package pricing

import (
	"context"
	"strings"
)

// Quoter returns the current price of a resource in sats for a caller.
type Quoter interface {
	Price(ctx context.Context, resource, callerID string) (int64, error)
}

// QuoterFunc adapts a plain function to the Quoter interface.
type QuoterFunc func(ctx context.Context, resource, callerID string) (int64, error)

func (f QuoterFunc) Price(ctx context.Context, resource, callerID string) (int64, error) {
	return f(ctx, resource, callerID)
}

// StaticQuoter prices resources from a fixed table with a base fallback.
// Lookup walks up the path, so an override for /api/weather also covers
// /api/weather/tokyo.
type StaticQuoter struct {
	base      int64
	overrides map[string]int64
}

func NewStaticQuoter(baseSats int64, overrides map[string]int64) *StaticQuoter {
	return &StaticQuoter{base: baseSats, overrides: overrides}
}

func (q *StaticQuoter) Price(ctx context.Context, resource, callerID string) (int64, error) {
	for path := resource; path != "" && path != "/"; path = parent(path) {
		if price, ok := q.overrides[path]; ok {
			return price, nil
		}
	}
	return q.base, nil
}

func parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return ""
	}
	return path[:i]
}
