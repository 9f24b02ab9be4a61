// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

// Package testcontext supplies contexts for tests.
package testcontext

import (
	"context"
	"testing"
	"time"

	"zombiezen.com/go/log/testlog"
)

// New returns a context that associates the test logger with the test
// and obeys the test's deadline if present.
func New(tb testing.TB) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if d, ok := deadline(tb); ok {
		ctx, cancel = context.WithDeadline(ctx, d)
	}
	ctx = testlog.WithTB(ctx, tb)
	return ctx, cancel
}

func deadline(x any) (deadline time.Time, ok bool) {
	d, ok := x.(interface {
		Deadline() (deadline time.Time, ok bool)
	})
	if !ok {
		return time.Time{}, false
	}
	return d.Deadline()
}
