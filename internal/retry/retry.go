// Package retry implements the bounded retry-until-ok combinator called for
// by the design notes: callers classify each error as transient or terminal
// instead of relying on a blanket "except: pass".
package retry

import (
	"context"
	"time"
)

// Classify reports whether err is transient (worth retrying) or terminal
// (should be returned immediately).
type Classify func(err error) (transient bool)

// Always treats every non-nil error as transient. Do and DoValue fall back
// to it when classify is nil.
func Always(error) bool { return true }

// Do runs op until it succeeds, op returns a terminal error, or ctx is
// cancelled. Between attempts it sleeps backoff. A nil classify is treated
// as Always.
func Do(ctx context.Context, backoff time.Duration, classify Classify, op func() error) error {
	if classify == nil {
		classify = Always
	}
	for {
		err := op()
		if err == nil {
			return nil
		}
		if !classify(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// DoValue is the value-returning counterpart of Do, for operations that
// produce a result alongside success/failure (e.g. a resolved document).
func DoValue[T any](ctx context.Context, backoff time.Duration, classify Classify, op func() (T, error)) (T, error) {
	var zero T
	for {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if classify == nil {
			classify = Always
		}
		if !classify(err) {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}
}
