// Package detect defines the inference capability consumed by the video
// pipeline: the Detector interface, the wire-level Detection and
// DetectionRecord types, and a swappable detector handle for hot model
// reloads.
package detect

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoDetector indicates that no inference backend is installed.
	ErrNoDetector = errors.New("no detector installed")

	// ErrBadRecord indicates a DetectionRecord with non-monotonic timestamps.
	ErrBadRecord = errors.New("detection record timestamps not monotonic")
)

// Frame is one raw video frame handed to a Detector. Data is the encoded or
// raw pixel payload as delivered by the transport; Format names its layout
// (e.g. "vp8", "h264", "i420"). CaptureTS is the producer-clock capture time
// in unix milliseconds.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    string
	CaptureTS int64
}

// Detector is the external inference capability. Implementations may block;
// callers bound the call with ctx. A failed call is recoverable: the pipeline
// degrades to an empty detection list rather than failing the stream.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, frame Frame) ([]Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	return f(ctx, frame)
}

// Detection is one labeled, scored, bounding-boxed object found in a frame.
// Coordinates are normalized to [0,1].
type Detection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	XMin  float64 `json:"xmin"`
	YMin  float64 `json:"ymin"`
	XMax  float64 `json:"xmax"`
	YMax  float64 `json:"ymax"`
}

// Validate checks the structural invariants of a Detection.
func (d Detection) Validate() error {
	if d.Label == "" {
		return fmt.Errorf("detection label must be non-empty")
	}
	if d.Score < 0 || d.Score > 1 {
		return fmt.Errorf("detection score %v outside [0,1]", d.Score)
	}
	for _, c := range []float64{d.XMin, d.YMin, d.XMax, d.YMax} {
		if c < 0 || c > 1 {
			return fmt.Errorf("bounding box coordinate %v outside [0,1]", c)
		}
	}
	if d.XMin > d.XMax || d.YMin > d.YMax {
		return fmt.Errorf("bounding box inverted: (%v,%v)-(%v,%v)", d.XMin, d.YMin, d.XMax, d.YMax)
	}
	return nil
}

// DetectionRecord is the full per-frame result, including the correlation
// timestamps used by the metrics aggregator. Timestamps are unix milliseconds
// and non-decreasing: CaptureTS <= RecvTS <= InferenceTS.
type DetectionRecord struct {
	FrameID     int64       `json:"frame_id"`
	CaptureTS   int64       `json:"capture_ts"`
	RecvTS      int64       `json:"recv_ts"`
	InferenceTS int64       `json:"inference_ts"`
	Detections  []Detection `json:"detections"`
}

// NewRecord builds a DetectionRecord, rejecting non-monotonic timestamps
// rather than silently reordering them.
func NewRecord(frameID, captureTS, recvTS, inferenceTS int64, detections []Detection) (DetectionRecord, error) {
	if captureTS > recvTS || recvTS > inferenceTS {
		return DetectionRecord{}, fmt.Errorf("%w: capture=%d recv=%d inference=%d",
			ErrBadRecord, captureTS, recvTS, inferenceTS)
	}
	if detections == nil {
		detections = []Detection{}
	}
	return DetectionRecord{
		FrameID:     frameID,
		CaptureTS:   captureTS,
		RecvTS:      recvTS,
		InferenceTS: inferenceTS,
		Detections:  detections,
	}, nil
}
