// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that is not tied to the parent's cancellation.
// Use this for operations that must outlive the request that triggered them,
// such as workspace provisioning and deletion: a dropped client connection
// must not strand a half-provisioned directory. The timeout bounds the
// operation instead.
func Detached(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
