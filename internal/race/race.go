// Package race runs equivalent operations concurrently and keeps the first
// success. It fails only when every operation failed.
package race

import (
	"context"
	"errors"
	"fmt"
	"strings"

	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
)

// Op is one contender. It must honour ctx: the context is cancelled as soon
// as a sibling succeeds.
type Op[T any] func(ctx context.Context) (T, error)

// AggregateError holds one error per operation, indexed by the operation's
// position in the call to First.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for i, err := range e.Errors {
		if err == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%d] %v", i, err))
	}
	return fmt.Sprintf("all %d operations failed: %s", len(e.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes every collected error to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

type outcome[T any] struct {
	index int
	value T
	err   error
}

// First starts every op and returns the value of whichever succeeds first.
// Later results are discarded. If all ops fail, the returned error is an
// *AggregateError built once every op has settled. Nothing is retried.
func First[T any](ctx context.Context, ops ...Op[T]) (T, error) {
	var zero T
	if len(ops) == 0 {
		return zero, errpkg.ErrNoOperations
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome[T], len(ops))
	for i, op := range ops {
		go func(i int, op Op[T]) {
			defer func() {
				if r := recover(); r != nil {
					results <- outcome[T]{index: i, err: fmt.Errorf("operation %d panicked: %v", i, r)}
				}
			}()
			v, err := op(ctx)
			results <- outcome[T]{index: i, value: v, err: err}
		}(i, op)
	}

	errs := make([]error, len(ops))
	for range ops {
		res := <-results
		if res.err == nil {
			return res.value, nil
		}
		errs[res.index] = res.err
	}

	return zero, &AggregateError{Errors: errs}
}

// Errors returns the per-operation errors of an aggregate, or err itself
// as a single element when it is not one.
func Errors(err error) []error {
	var agg *AggregateError
	if errors.As(err, &agg) {
		return agg.Errors
	}
	if err == nil {
		return nil
	}
	return []error{err}
}
