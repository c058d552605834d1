// Package resource applies global limits to index builds.
//
// A Controller governs three things:
//
//   - Memory: reservations for training samples and encode buffers,
//     fail-fast so builders can shrink their sample instead of blocking.
//   - Build slots: how many index builds run concurrently.
//   - Write throughput: a token bucket throttling artifact writes so
//     background builds do not starve foreground searches.
//
// All methods are safe for concurrent use and all handle a nil
// *Controller as a no-op, so limiting stays optional at call sites:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:      1 << 30,
//	    MaxConcurrentBuilds:   2,
//	    WriteLimitBytesPerSec: 100 << 20,
//	})
//
//	if err := rc.AcquireBuild(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBuild()
//
//	w := resource.NewThrottledWriter(ctx, artifact, rc)
package resource
