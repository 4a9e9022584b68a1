// Package detecttest provides scripted Detector implementations for tests.
package detecttest

import (
	"context"
	"sync/atomic"

	"github.com/rtcvision/rtcvision/detect"
)

// Static returns a Detector that always produces the given detections.
func Static(detections ...detect.Detection) detect.Detector {
	return detect.DetectorFunc(func(ctx context.Context, frame detect.Frame) ([]detect.Detection, error) {
		out := make([]detect.Detection, len(detections))
		copy(out, detections)
		return out, nil
	})
}

// Failing returns a Detector that always fails with err.
func Failing(err error) detect.Detector {
	return detect.DetectorFunc(func(ctx context.Context, frame detect.Frame) ([]detect.Detection, error) {
		return nil, err
	})
}

// Blocking returns a Detector that blocks until its context is cancelled or
// release is closed, then returns the given detections. Useful for exercising
// backpressure and close-during-inference paths.
func Blocking(release <-chan struct{}, detections ...detect.Detection) detect.Detector {
	return detect.DetectorFunc(func(ctx context.Context, frame detect.Frame) ([]detect.Detection, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return detections, nil
		}
	})
}

// Counting wraps d and counts invocations.
type Counting struct {
	Inner detect.Detector
	calls atomic.Int64
}

func (c *Counting) Detect(ctx context.Context, frame detect.Frame) ([]detect.Detection, error) {
	c.calls.Add(1)
	if c.Inner == nil {
		return []detect.Detection{}, nil
	}
	return c.Inner.Detect(ctx, frame)
}

// Calls reports how many times Detect has been invoked.
func (c *Counting) Calls() int64 { return c.calls.Load() }

var _ detect.Detector = (*Counting)(nil)
