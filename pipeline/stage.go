// Package pipeline implements the per-session detection stage: it observes
// the frames flowing through a session's video track, obtains detections
// from the inference capability, and publishes detection records and metric
// snapshots to the session's room.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rtcvision/rtcvision/broker"
	"github.com/rtcvision/rtcvision/detect"
	"github.com/rtcvision/rtcvision/metrics"
	"github.com/rtcvision/rtcvision/rtc"
)

// Mode selects where inference runs for a session.
type Mode string

const (
	// ModeServer runs the inference capability on the server for every
	// processed frame.
	ModeServer Mode = "server"
	// ModeClientAssisted produces timestamp-only records; detection happens
	// on the client.
	ModeClientAssisted Mode = "client-assisted"
)

// ParseMode maps a wire-level mode string to a Mode. Unknown or empty values
// fall back to ModeServer.
func ParseMode(s string) Mode {
	switch s {
	case string(ModeClientAssisted), "wasm", "client":
		return ModeClientAssisted
	default:
		return ModeServer
	}
}

// Config assembles a Stage.
type Config struct {
	// SessionID is the room events are published to.
	SessionID string
	// Source yields the session's raw frames.
	Source rtc.FrameSource
	// Detector is the inference capability. Required in ModeServer.
	Detector detect.Detector
	// Mode selects server or client-assisted processing.
	Mode Mode
	// Aggregator folds records into the session's metrics.
	Aggregator *metrics.Aggregator
	// Broker receives detection_result and metrics_update events.
	Broker broker.Broker
	// Forward, when set, receives every frame read from the source,
	// including frames shed from detection under backpressure. The stage
	// observes; it never withholds a frame from downstream.
	Forward func(detect.Frame)
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Now defaults to time.Now; injectable for tests.
	Now func() time.Time
}

// Stage processes one session's frame stream. Frames are processed strictly
// sequentially; while an inference call blocks, at most one newer frame is
// buffered and older pending frames are shed rather than queued.
type Stage struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	frameSeq  atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

// NewStage validates cfg and returns a runnable Stage.
func NewStage(cfg Config) (*Stage, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("frame source is required")
	}
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("metrics aggregator is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeServer
	}
	if cfg.Mode == ModeServer && cfg.Detector == nil {
		return nil, fmt.Errorf("detector is required in server mode")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Stage{cfg: cfg, log: cfg.Logger.With(slog.String("session_id", cfg.SessionID)), now: cfg.Now}, nil
}

// Dropped reports frames shed from detection under backpressure.
func (s *Stage) Dropped() int64 { return s.dropped.Load() }

// Processed reports frames that produced a detection record.
func (s *Stage) Processed() int64 { return s.processed.Load() }

// Run drives the stage until ctx is cancelled or the source ends. The reader
// goroutine forwards every frame downstream immediately; the processing loop
// consumes from a one-slot buffer where a newer frame replaces an unconsumed
// older one (latest wins).
func (s *Stage) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending := make(chan detect.Frame, 1)
	readErr := make(chan error, 1)

	go func() {
		defer close(pending)
		for {
			frame, err := s.cfg.Source.ReadFrame(ctx)
			if err != nil {
				readErr <- err
				return
			}
			if frame.CaptureTS == 0 {
				frame.CaptureTS = s.now().UnixMilli()
			}
			if s.cfg.Forward != nil {
				s.cfg.Forward(frame)
			}
			for {
				select {
				case pending <- frame:
				default:
					// Buffer occupied: shed the stale frame.
					select {
					case <-pending:
						s.dropped.Add(1)
					default:
					}
					continue
				}
				break
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-pending:
			if !ok {
				select {
				case err := <-readErr:
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if errors.Is(err, rtc.ErrSourceClosed) {
						// Track ended normally.
						return nil
					}
					return err
				default:
					return nil
				}
			}
			s.processFrame(ctx, frame)
		}
	}
}

// processFrame runs detection for one frame and publishes the results. Any
// fault degrades this single frame, never the session.
func (s *Stage) processFrame(ctx context.Context, frame detect.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic during frame processing; record dropped", slog.Any("panic", r))
		}
	}()

	recvTS := s.now().UnixMilli()
	if frame.CaptureTS > recvTS {
		// Producer clock ran ahead of ours. Reject rather than reorder.
		s.log.Warn("frame capture timestamp ahead of receive time; record dropped",
			slog.Int64("capture_ts", frame.CaptureTS), slog.Int64("recv_ts", recvTS))
		return
	}

	var detections []detect.Detection
	if s.cfg.Mode == ModeServer {
		var err error
		detections, err = s.cfg.Detector.Detect(ctx, frame)
		if err != nil {
			// Frame loss is worse than a missed detection: degrade to an
			// empty result and keep the stream flowing.
			if ctx.Err() == nil {
				s.log.Warn("inference failed; emitting empty detections", slog.String("err", err.Error()))
			}
			detections = nil
		}
	}
	inferenceTS := s.now().UnixMilli()

	// A result that lands after close is discarded, not broadcast.
	if ctx.Err() != nil {
		return
	}

	rec, err := detect.NewRecord(s.frameSeq.Add(1)-1, frame.CaptureTS, recvTS, inferenceTS, detections)
	if err != nil {
		s.log.Warn("invalid detection record dropped", slog.String("err", err.Error()))
		return
	}
	s.processed.Add(1)

	snap := s.cfg.Aggregator.Observe(rec, s.now())

	if _, err := s.cfg.Broker.Publish(ctx, s.cfg.SessionID, broker.EventDetectionResult, rec); err != nil {
		if ctx.Err() == nil {
			s.log.Warn("publish detection_result failed", slog.String("err", err.Error()))
		}
		return
	}
	if _, err := s.cfg.Broker.Publish(ctx, s.cfg.SessionID, broker.EventMetricsUpdate, snap); err != nil {
		if ctx.Err() == nil {
			s.log.Warn("publish metrics_update failed", slog.String("err", err.Error()))
		}
	}
}
