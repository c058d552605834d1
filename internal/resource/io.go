package resource

import (
	"context"
	"io"
)

// ThrottledWriter wraps an io.Writer so every Write first clears the
// controller's write limiter. Used for artifact uploads during builds.
type ThrottledWriter struct {
	ctx context.Context
	w   io.Writer
	rc  *Controller
}

// NewThrottledWriter wraps w. ctx bounds the time spent waiting for
// limiter tokens.
func NewThrottledWriter(ctx context.Context, w io.Writer, rc *Controller) *ThrottledWriter {
	return &ThrottledWriter{ctx: ctx, w: w, rc: rc}
}

func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	if err := tw.rc.AcquireWrite(tw.ctx, len(p)); err != nil {
		return 0, err
	}
	return tw.w.Write(p)
}

// ThrottledReader wraps an io.Reader the same way, charging the buffer
// size before each Read.
type ThrottledReader struct {
	ctx context.Context
	r   io.Reader
	rc  *Controller
}

// NewThrottledReader wraps r.
func NewThrottledReader(ctx context.Context, r io.Reader, rc *Controller) *ThrottledReader {
	return &ThrottledReader{ctx: ctx, r: r, rc: rc}
}

func (tr *ThrottledReader) Read(p []byte) (int, error) {
	if err := tr.rc.AcquireWrite(tr.ctx, len(p)); err != nil {
		return 0, err
	}
	return tr.r.Read(p)
}
