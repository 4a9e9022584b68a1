// Package metrics maintains per-session rolling latency statistics and
// produces the snapshots that are broadcast to clients after every processed
// frame.
package metrics

import (
	"sync"
	"time"

	"github.com/rtcvision/rtcvision/detect"
	"github.com/rtcvision/rtcvision/stats"
)

// Snapshot is one aggregated metrics view for a session. The JSON field set
// is fixed for client compatibility; durations are milliseconds.
type Snapshot struct {
	ModelInferenceTime float64 `json:"modelInferenceTime"`
	TotalTime          float64 `json:"totalTime"`
	OverheadTime       float64 `json:"overheadTime"`
	ModelFPS           float64 `json:"modelFPS"`
	TotalFPS           float64 `json:"totalFPS"`
	OverheadFPS        float64 `json:"overheadFPS"`
	E2ELatencyMedian   float64 `json:"e2eLatencyMedian"`
	E2ELatencyP95      float64 `json:"e2eLatencyP95"`
	ServerLatency      float64 `json:"serverLatency"`
	NetworkLatency     float64 `json:"networkLatency"`
	ProcessedFPS       float64 `json:"processedFPS"`
	ProcessedFrames    int64   `json:"processedFrames"`
}

// Aggregator computes snapshots from detection records. One Aggregator per
// session; Observe is called from the session's single frame-processing
// goroutine but is safe for concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	start     time.Time
	processed int64
	window    *stats.Window
}

// NewAggregator returns an Aggregator whose rolling window holds windowSize
// end-to-end latency samples. start is the session creation time used for the
// long-run FPS average.
func NewAggregator(start time.Time, windowSize int) *Aggregator {
	return &Aggregator{
		start:  start,
		window: stats.NewWindow(windowSize),
	}
}

// Observe folds one detection record into the session's statistics and
// returns the resulting snapshot. now supplies the wall clock so tests can
// pin it.
func (a *Aggregator) Observe(rec detect.DetectionRecord, now time.Time) Snapshot {
	nowMS := float64(now.UnixMilli())
	e2e := nowMS - float64(rec.CaptureTS)
	server := float64(rec.InferenceTS - rec.RecvTS)
	network := float64(rec.RecvTS - rec.CaptureTS)

	a.mu.Lock()
	a.processed++
	processed := a.processed
	a.window.Push(e2e)
	median, p95 := a.window.Quantiles()
	elapsed := now.Sub(a.start).Seconds()
	a.mu.Unlock()

	var fps float64
	if elapsed > 0 {
		fps = float64(processed) / elapsed
	}

	return Snapshot{
		ModelInferenceTime: server,
		TotalTime:          e2e,
		OverheadTime:       e2e - server,
		ModelFPS:           fps,
		TotalFPS:           fps,
		OverheadFPS:        fps,
		E2ELatencyMedian:   median,
		E2ELatencyP95:      p95,
		ServerLatency:      server,
		NetworkLatency:     network,
		ProcessedFPS:       fps,
		ProcessedFrames:    processed,
	}
}

// Processed reports the number of frames observed so far.
func (a *Aggregator) Processed() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processed
}
