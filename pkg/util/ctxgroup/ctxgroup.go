// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package ctxgroup wraps golang.org/x/sync/errgroup with a context func.
//
// This package extends and combines errgroup and the derived context it
// creates. Instead of calling errgroup.WithContext and passing the derived
// context around by hand, tasks are spawned with GoCtx, which passes the
// group's context to the task directly. If any task returns an error, the
// group's context is canceled, which cancels all other tasks in the group.
//
// Wait returns the first error returned by any task, or, if all tasks
// succeeded but the context was canceled, the context's error. Callers must
// not shadow the group's context with an outer context in long-running tasks,
// or cancellation will not propagate.
package ctxgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group wraps errgroup.Group and the context it operates on.
type Group struct {
	wrapped *errgroup.Group
	ctx     context.Context
}

// Wait blocks until all function calls from the Go and GoCtx methods have
// returned, then returns the first non-nil error (if any) from them. If Wait
// is invoked after the context (passed to WithContext) is canceled, Wait
// returns an error even if no task did.
func (g Group) Wait() error {
	err := g.wrapped.Wait()
	if err != nil {
		return err
	}
	return g.ctx.Err()
}

// WithContext returns a new Group and an associated context derived from ctx.
func WithContext(ctx context.Context) Group {
	grp, ctx := errgroup.WithContext(ctx)
	return Group{
		wrapped: grp,
		ctx:     ctx,
	}
}

// GoCtx calls the given function in a new goroutine, passing the group's
// context to it.
func (g Group) GoCtx(f func(ctx context.Context) error) {
	g.wrapped.Go(func() error {
		return f(g.ctx)
	})
}
