// Package resource enforces global limits on index builds: how many
// run at once, how much training memory they may reserve, and how fast
// they may write artifact bytes.
package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation would push
// managed memory past the configured limit.
var ErrMemoryLimitExceeded = errors.New("resource: memory limit exceeded")

// Config holds the limits applied to index builds.
type Config struct {
	// MemoryLimitBytes caps memory reserved for training samples and
	// encode buffers. 0 disables the cap (usage is still tracked).
	MemoryLimitBytes int64

	// MaxConcurrentBuilds is the number of index builds allowed to run
	// at once. 0 defaults to 1.
	MaxConcurrentBuilds int64

	// WriteLimitBytesPerSec throttles artifact writes to the blob
	// store. 0 means unlimited.
	WriteLimitBytesPerSec int64
}

// Controller applies Config limits. A nil *Controller is valid and
// enforces nothing.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	buildSem *semaphore.Weighted

	writeLimiter *rate.Limiter
}

// NewController creates a controller for the given limits.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 1
	}

	c := &Controller{
		cfg:      cfg,
		buildSem: semaphore.NewWeighted(cfg.MaxConcurrentBuilds),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.WriteLimitBytesPerSec > 0 {
		c.writeLimiter = rate.NewLimiter(rate.Limit(cfg.WriteLimitBytesPerSec), int(cfg.WriteLimitBytesPerSec))
	}

	return c
}

// AcquireMemory reserves bytes of build memory without blocking.
// Callers decide how to degrade when ErrMemoryLimitExceeded is
// returned, usually by sampling fewer training rows.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return ErrMemoryLimitExceeded
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory returns a reservation made with AcquireMemory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns currently reserved bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured cap, 0 if unlimited.
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// AcquireBuild claims a build slot, blocking until one frees up or ctx
// is done.
func (c *Controller) AcquireBuild(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.buildSem.Acquire(ctx, 1)
}

// TryAcquireBuild claims a build slot without blocking.
func (c *Controller) TryAcquireBuild() bool {
	if c == nil {
		return true
	}
	return c.buildSem.TryAcquire(1)
}

// ReleaseBuild returns a slot claimed with AcquireBuild.
func (c *Controller) ReleaseBuild() {
	if c == nil {
		return
	}
	c.buildSem.Release(1)
}

// AcquireWrite waits until the write limiter admits bytes.
func (c *Controller) AcquireWrite(ctx context.Context, bytes int) error {
	if c == nil || c.writeLimiter == nil {
		return nil
	}
	return c.writeLimiter.WaitN(ctx, bytes)
}

// TryAcquireWrite admits bytes only if the limiter has tokens now.
func (c *Controller) TryAcquireWrite(bytes int) bool {
	if c == nil || c.writeLimiter == nil {
		return true
	}
	return c.writeLimiter.AllowN(time.Now(), bytes)
}
