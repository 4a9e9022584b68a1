package detect

import (
	"context"
	"errors"
	"testing"
)

func TestNewRecordRejectsNonMonotonicTimestamps(t *testing.T) {
	cases := []struct {
		name               string
		capture, recv, inf int64
		wantErr            bool
	}{
		{name: "ordered", capture: 1000, recv: 1010, inf: 1060, wantErr: false},
		{name: "all equal", capture: 1000, recv: 1000, inf: 1000, wantErr: false},
		{name: "recv before capture", capture: 1010, recv: 1000, inf: 1060, wantErr: true},
		{name: "inference before recv", capture: 1000, recv: 1060, inf: 1010, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRecord(0, tc.capture, tc.recv, tc.inf, nil)
			if tc.wantErr {
				if !errors.Is(err, ErrBadRecord) {
					t.Fatalf("want ErrBadRecord, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewRecordNormalizesNilDetections(t *testing.T) {
	rec, err := NewRecord(7, 1, 2, 3, nil)
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	if rec.Detections == nil {
		t.Error("want non-nil empty detections slice")
	}
	if len(rec.Detections) != 0 {
		t.Errorf("want empty detections, got %d", len(rec.Detections))
	}
}

func TestDetectionValidate(t *testing.T) {
	valid := Detection{Label: "person", Score: 0.9, XMin: 0.1, YMin: 0.2, XMax: 0.5, YMax: 0.8}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid detection rejected: %v", err)
	}

	cases := []struct {
		name string
		d    Detection
	}{
		{name: "empty label", d: Detection{Score: 0.5, XMax: 1, YMax: 1}},
		{name: "score above one", d: Detection{Label: "car", Score: 1.5, XMax: 1, YMax: 1}},
		{name: "coordinate out of range", d: Detection{Label: "car", Score: 0.5, XMax: 1.2, YMax: 1}},
		{name: "inverted box", d: Detection{Label: "car", Score: 0.5, XMin: 0.8, XMax: 0.2, YMax: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.d.Validate(); err == nil {
				t.Error("want validation error, got nil")
			}
		})
	}
}

func TestSwappable(t *testing.T) {
	s := NewSwappable(nil)

	if _, err := s.Detect(context.Background(), Frame{}); !errors.Is(err, ErrNoDetector) {
		t.Fatalf("want ErrNoDetector with no backend, got %v", err)
	}

	first := DetectorFunc(func(ctx context.Context, f Frame) ([]Detection, error) {
		return []Detection{{Label: "first", Score: 1, XMax: 1, YMax: 1}}, nil
	})
	s.Store(first)

	got, err := s.Detect(context.Background(), Frame{})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if got[0].Label != "first" {
		t.Errorf("want detection from first backend, got %q", got[0].Label)
	}

	second := DetectorFunc(func(ctx context.Context, f Frame) ([]Detection, error) {
		return []Detection{{Label: "second", Score: 1, XMax: 1, YMax: 1}}, nil
	})
	s.Store(second)

	got, err = s.Detect(context.Background(), Frame{})
	if err != nil {
		t.Fatalf("Detect after swap failed: %v", err)
	}
	if got[0].Label != "second" {
		t.Errorf("want detection from swapped backend, got %q", got[0].Label)
	}
}
