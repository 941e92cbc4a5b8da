// Package feed signals that previously computed view data for a path is stale.
package feed

import (
	"context"
	"errors"
	"strings"
)

// HomePath is the path of the home feed.
const HomePath = "/"

// ErrInvalidPath rejects paths that do not start with a slash.
var ErrInvalidPath = errors.New("feed: path must start with /")

// Invalidator marks the cached view of a path as stale.
type Invalidator interface {
	Invalidate(ctx context.Context, path string) error
}

// InvalidatorFunc adapts a function to the Invalidator interface.
type InvalidatorFunc func(ctx context.Context, path string) error

// Invalidate calls f.
func (f InvalidatorFunc) Invalidate(ctx context.Context, path string) error {
	return f(ctx, path)
}

// Nop is an Invalidator that does nothing.
var Nop Invalidator = InvalidatorFunc(func(context.Context, string) error { return nil })

// Fanout forwards every invalidation to each member and joins their errors.
type Fanout []Invalidator

// Invalidate implements Invalidator.
func (f Fanout) Invalidate(ctx context.Context, path string) error {
	var errs []error
	for _, invalidator := range f {
		if invalidator == nil {
			continue
		}
		if err := invalidator.Invalidate(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NormalizePath trims the path and validates its shape.
func NormalizePath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if !strings.HasPrefix(trimmed, "/") {
		return "", ErrInvalidPath
	}
	return trimmed, nil
}
