package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rtcvision/rtcvision/broker"
	"github.com/rtcvision/rtcvision/broker/memory"
	"github.com/rtcvision/rtcvision/detect"
	"github.com/rtcvision/rtcvision/detect/detecttest"
	"github.com/rtcvision/rtcvision/metrics"
	"github.com/rtcvision/rtcvision/rtc"
	"github.com/rtcvision/rtcvision/rtc/rtctest"
)

type stageHarness struct {
	stage  *Stage
	source *rtctest.FrameSource
	broker *memory.Broker
	stream broker.EventStream
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, detector detect.Detector, mode Mode) *stageHarness {
	t.Helper()

	source := rtctest.NewFrameSource(16)
	b := memory.New()

	stream, err := b.Subscribe(context.Background(), "sess-1", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	stage, err := NewStage(Config{
		SessionID:  "sess-1",
		Source:     source,
		Detector:   detector,
		Mode:       mode,
		Aggregator: metrics.NewAggregator(time.Now(), 32),
		Broker:     b,
	})
	if err != nil {
		t.Fatalf("NewStage failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stage.Run(ctx) }()

	h := &stageHarness{stage: stage, source: source, broker: b, stream: stream, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		source.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("stage did not stop")
		}
		stream.Close()
	})
	return h
}

// nextEvent reads events until one of the given type arrives.
func (h *stageHarness) nextEvent(t *testing.T, eventType string) broker.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		ev, err := h.stream.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if ev.Type == eventType {
			return ev
		}
	}
}

func TestStagePublishesDetectionAndMetrics(t *testing.T) {
	det := detecttest.Static(detect.Detection{Label: "person", Score: 0.9, XMin: 0.1, YMin: 0.1, XMax: 0.5, YMax: 0.9})
	h := newHarness(t, det, ModeServer)

	h.source.Feed(detect.Frame{Data: []byte{1}, Format: "vp8"})

	ev := h.nextEvent(t, broker.EventDetectionResult)
	var rec detect.DetectionRecord
	if err := json.Unmarshal(ev.Data, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.FrameID != 0 {
		t.Errorf("first frame id: want 0, got %d", rec.FrameID)
	}
	if len(rec.Detections) != 1 || rec.Detections[0].Label != "person" {
		t.Errorf("unexpected detections: %+v", rec.Detections)
	}
	if rec.CaptureTS > rec.RecvTS || rec.RecvTS > rec.InferenceTS {
		t.Errorf("timestamps not monotonic: %d %d %d", rec.CaptureTS, rec.RecvTS, rec.InferenceTS)
	}

	mev := h.nextEvent(t, broker.EventMetricsUpdate)
	var snap metrics.Snapshot
	if err := json.Unmarshal(mev.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ProcessedFrames != 1 {
		t.Errorf("processed frames: want 1, got %d", snap.ProcessedFrames)
	}
}

func TestStageFrameIDsMonotonic(t *testing.T) {
	h := newHarness(t, detecttest.Static(), ModeServer)

	for i := 0; i < 3; i++ {
		h.source.Feed(detect.Frame{Data: []byte{byte(i)}})
		ev := h.nextEvent(t, broker.EventDetectionResult)
		var rec detect.DetectionRecord
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if want, got := int64(i), rec.FrameID; want != got {
			t.Errorf("frame %d: want id %d, got %d", i, want, got)
		}
	}
}

func TestStageFailingDetectorDegradesToEmpty(t *testing.T) {
	h := newHarness(t, detecttest.Failing(errors.New("model exploded")), ModeServer)

	for i := 0; i < 3; i++ {
		h.source.Feed(detect.Frame{Data: []byte{byte(i)}})
		ev := h.nextEvent(t, broker.EventDetectionResult)
		var rec detect.DetectionRecord
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if len(rec.Detections) != 0 {
			t.Errorf("frame %d: want empty detections, got %+v", i, rec.Detections)
		}
		if rec.Detections == nil {
			t.Errorf("frame %d: detections must be [] on the wire, not null", i)
		}
		// Metrics keep updating with real timestamps.
		h.nextEvent(t, broker.EventMetricsUpdate)
	}
}

func TestStageClientAssistedSkipsInference(t *testing.T) {
	counting := &detecttest.Counting{Inner: detecttest.Static()}
	h := newHarness(t, counting, ModeClientAssisted)

	h.source.Feed(detect.Frame{Data: []byte{1}})
	ev := h.nextEvent(t, broker.EventDetectionResult)

	var rec detect.DetectionRecord
	if err := json.Unmarshal(ev.Data, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if len(rec.Detections) != 0 {
		t.Errorf("client-assisted records carry no server detections, got %+v", rec.Detections)
	}
	if got := counting.Calls(); got != 0 {
		t.Errorf("detector invoked %d times in client-assisted mode", got)
	}
}

func TestStageForwardsEveryFrame(t *testing.T) {
	var forwarded atomic.Int64
	source := rtctest.NewFrameSource(16)
	b := memory.New()

	release := make(chan struct{})
	stage, err := NewStage(Config{
		SessionID:  "sess-fwd",
		Source:     source,
		Detector:   detecttest.Blocking(release),
		Mode:       ModeServer,
		Aggregator: metrics.NewAggregator(time.Now(), 32),
		Broker:     b,
		Forward:    func(detect.Frame) { forwarded.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewStage failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stage.Run(ctx) }()

	// While inference blocks, every fed frame is still forwarded
	// downstream even though most are shed from detection.
	const n = 5
	for i := 0; i < n; i++ {
		source.Feed(detect.Frame{Data: []byte{byte(i)}})
	}

	deadline := time.Now().Add(2 * time.Second)
	for forwarded.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("forwarded %d of %d frames", forwarded.Load(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	cancel()
	source.Close()
	<-done

	if stage.Dropped() == 0 {
		t.Error("want shed frames while inference was blocked, got none")
	}
}

func TestStageDiscardsLateResultAfterClose(t *testing.T) {
	source := rtctest.NewFrameSource(4)
	b := memory.New()

	stream, err := b.Subscribe(context.Background(), "sess-late", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := detect.DetectorFunc(func(ctx context.Context, f detect.Frame) ([]detect.Detection, error) {
		started <- struct{}{}
		// Simulate an inference call that outlives the session: ignore ctx
		// and return a late result.
		<-release
		return []detect.Detection{{Label: "late", Score: 1, XMax: 1, YMax: 1}}, nil
	})

	stage, err := NewStage(Config{
		SessionID:  "sess-late",
		Source:     source,
		Detector:   blocking,
		Mode:       ModeServer,
		Aggregator: metrics.NewAggregator(time.Now(), 32),
		Broker:     b,
	})
	if err != nil {
		t.Fatalf("NewStage failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stage.Run(ctx) }()

	source.Feed(detect.Frame{Data: []byte{1}})
	<-started

	// Close the session while inference is in flight, then let the late
	// result arrive.
	cancel()
	close(release)
	source.Close()
	<-done

	// The late result must not have been broadcast.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer waitCancel()
	if ev, err := stream.Next(waitCtx); err == nil {
		t.Errorf("want no broadcast after close, got %s event", ev.Type)
	}
}

func TestStageEndsCleanlyWhenSourceCloses(t *testing.T) {
	source := rtctest.NewFrameSource(4)
	stage, err := NewStage(Config{
		SessionID:  "sess-end",
		Source:     source,
		Detector:   detecttest.Static(),
		Mode:       ModeServer,
		Aggregator: metrics.NewAggregator(time.Now(), 32),
		Broker:     memory.New(),
	})
	if err != nil {
		t.Fatalf("NewStage failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- stage.Run(context.Background()) }()

	source.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("want nil on source end, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stage did not stop after source closed")
	}
}

func TestNewStageValidation(t *testing.T) {
	source := rtctest.NewFrameSource(1)
	agg := metrics.NewAggregator(time.Now(), 8)
	b := memory.New()

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "missing session", cfg: Config{Source: source, Aggregator: agg, Broker: b, Detector: detecttest.Static()}},
		{name: "missing source", cfg: Config{SessionID: "s", Aggregator: agg, Broker: b, Detector: detecttest.Static()}},
		{name: "missing detector in server mode", cfg: Config{SessionID: "s", Source: source, Aggregator: agg, Broker: b, Mode: ModeServer}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewStage(tc.cfg); err == nil {
				t.Error("want error, got nil")
			}
		})
	}

	// Client-assisted mode needs no detector.
	if _, err := NewStage(Config{SessionID: "s", Source: source, Aggregator: agg, Broker: b, Mode: ModeClientAssisted}); err != nil {
		t.Errorf("client-assisted without detector: want nil, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"server":          ModeServer,
		"client-assisted": ModeClientAssisted,
		"wasm":            ModeClientAssisted,
		"":                ModeServer,
		"anything":        ModeServer,
	}
	for in, want := range cases {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q): want %v, got %v", in, want, got)
		}
	}
}

var _ rtc.FrameSource = (*rtctest.FrameSource)(nil)
