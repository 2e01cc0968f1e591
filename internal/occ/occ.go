// Package occ retries optimistic-concurrency units of work. Each attempt must
// re-read whatever state it conditions its writes on.
package occ

import (
	"context"
	"errors"
	"time"

	"github.com/flowchartsman/retry"

	"driftline/internal/repo"
)

type Policy struct {
	Attempts   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 5, MinBackoff: 10 * time.Millisecond, MaxBackoff: 200 * time.Millisecond}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = d.MinBackoff
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = p.MinBackoff
	}
	return p
}

// IsConflict reports whether err is a lost optimistic-concurrency race.
func IsConflict(err error) bool {
	return errors.Is(err, repo.ErrVersionConflict)
}

// ErrExhausted wraps the last conflict once every attempt lost its race.
var ErrExhausted = errors.New("retries exhausted")

// Do runs fn until it returns nil or a non-conflict error, or until attempts run out.
// Only conflicts are retried; any other error is returned as is.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	var terminal error
	err := retry.NewRetrier(p.Attempts, p.MinBackoff, p.MaxBackoff).Run(func() error {
		if err := ctx.Err(); err != nil {
			terminal = err
			return nil
		}
		err := fn(ctx)
		if IsConflict(err) {
			return err
		}
		terminal = err
		return nil
	})
	if err != nil {
		return errors.Join(ErrExhausted, err)
	}
	return terminal
}
