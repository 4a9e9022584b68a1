// Package signaling drives the session lifecycle: it validates offers,
// creates peer handles, attaches detection stages to incoming tracks, and
// tears sessions down. The HTTP surface over these operations lives in
// handler.go.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rtcvision/rtcvision/broker"
	"github.com/rtcvision/rtcvision/detect"
	"github.com/rtcvision/rtcvision/internal/logctx"
	"github.com/rtcvision/rtcvision/pipeline"
	"github.com/rtcvision/rtcvision/rtc"
	"github.com/rtcvision/rtcvision/sessions"

	"github.com/google/uuid"
)

var (
	// ErrInvalidOffer indicates a missing or malformed offer payload.
	ErrInvalidOffer = errors.New("invalid offer")
	// ErrSessionConflict indicates a live session already holds the id.
	ErrSessionConflict = errors.New("session conflict")
	// ErrUnknownSession indicates the id is not registered.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNegotiationFailed indicates the peer capability could not produce
	// an answer.
	ErrNegotiationFailed = errors.New("negotiation failed")
)

// DefaultNegotiationTimeout bounds the offer/answer exchange.
const DefaultNegotiationTimeout = 10 * time.Second

// ControllerConfig assembles a Controller.
type ControllerConfig struct {
	Registry *sessions.Registry
	Peers    rtc.Factory
	Broker   broker.Broker
	// Detector serves sessions in server mode. May be a *detect.Swappable
	// for hot model reloads. Nil forces every session into client-assisted
	// mode.
	Detector detect.Detector
	// NegotiationTimeout defaults to DefaultNegotiationTimeout.
	NegotiationTimeout time.Duration
	Logger             *slog.Logger
}

// Controller implements the session state machine's public operations.
type Controller struct {
	registry   *sessions.Registry
	peers      rtc.Factory
	broker     broker.Broker
	detector   detect.Detector
	negTimeout time.Duration
	log        *slog.Logger
}

// NewController validates cfg and returns a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Peers == nil {
		return nil, fmt.Errorf("peer factory is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		registry:   cfg.Registry,
		peers:      cfg.Peers,
		broker:     cfg.Broker,
		detector:   cfg.Detector,
		negTimeout: cfg.NegotiationTimeout,
		log:        cfg.Logger,
	}, nil
}

// HandleOffer negotiates a new session. An empty id is replaced by a
// generated one; the effective id is returned alongside the answer.
func (c *Controller) HandleOffer(ctx context.Context, id string, offer rtc.Description, mode pipeline.Mode) (rtc.Description, string, error) {
	if offer.SDP == "" || offer.Type == "" {
		return rtc.Description{}, id, fmt.Errorf("%w: offer payload must carry sdp and type", ErrInvalidOffer)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if mode == pipeline.ModeServer && c.detector == nil {
		mode = pipeline.ModeClientAssisted
	}

	peer, err := c.peers.NewPeerSession(ctx)
	if err != nil {
		return rtc.Description{}, id, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	sess, err := c.registry.Create(id, mode, peer)
	if err != nil {
		_ = peer.Close()
		if errors.Is(err, sessions.ErrDuplicateSession) {
			return rtc.Description{}, id, fmt.Errorf("%w: %s", ErrSessionConflict, id)
		}
		return rtc.Description{}, id, err
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Mode: string(mode)})

	// Track and state callbacks must be in place before the answer is
	// produced; the transport may fire them as soon as ICE completes.
	peer.OnVideoTrack(func(src rtc.FrameSource) {
		c.attachTrack(sess, src)
	})
	peer.OnStateChange(func(st rtc.State) {
		c.onPeerState(sess, st)
	})

	sess.SetNegotiating()
	c.log.InfoContext(ctx, "offer received, negotiating")

	negCtx, cancel := context.WithTimeout(ctx, c.negTimeout)
	defer cancel()

	answer, err := peer.Answer(negCtx, offer)
	if err != nil {
		_ = c.registry.Fail(id)
		return rtc.Description{}, id, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	// Local and remote descriptions are both set once Answer returns.
	sess.SetActive()
	c.log.InfoContext(ctx, "session negotiated")
	return answer, id, nil
}

// HandleIceCandidate applies a remote candidate to the session's peer. A nil
// candidate (end-of-candidates) is a valid no-op.
func (c *Controller) HandleIceCandidate(ctx context.Context, id string, cand *rtc.ICECandidate) error {
	sess, err := c.registry.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if cand == nil || cand.Candidate == "" {
		return nil
	}
	if err := sess.Peer().AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close tears the session down. Idempotent: closing an already-closed or
// unknown session succeeds, tolerating duplicate teardown signals.
func (c *Controller) Close(ctx context.Context, id string) {
	if err := c.registry.Remove(id); err != nil {
		return
	}
	if err := c.broker.Cleanup(ctx, id); err != nil {
		c.log.WarnContext(ctx, "event room cleanup failed",
			slog.String("session_id", id), slog.String("err", err.Error()))
	}
	c.log.InfoContext(ctx, "session closed", slog.String("session_id", id))
}

// attachTrack binds a detection stage to the first video track of a session
// and starts its run loop. Later tracks on the same session are ignored.
func (c *Controller) attachTrack(sess *sessions.Session, src rtc.FrameSource) {
	stage, err := pipeline.NewStage(pipeline.Config{
		SessionID:  sess.ID(),
		Source:     src,
		Detector:   c.detector,
		Mode:       sess.Mode(),
		Aggregator: sess.Aggregator(),
		Broker:     c.broker,
		Logger:     c.log,
	})
	if err != nil {
		c.log.Error("detection stage construction failed",
			slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
		_ = src.Close()
		return
	}

	// The cancel func is registered in the same critical section as the
	// stage, so a teardown racing this attach always cancels the run.
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.registry.AttachStage(sess.ID(), stage, cancel); err != nil {
		// Second video track, or the session raced with teardown. Either
		// way this source has no consumer.
		cancel()
		_ = src.Close()
		return
	}

	go func() {
		defer src.Close()
		if err := stage.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("detection stage ended",
				slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
		}
	}()

	c.log.Info("detection stage attached", slog.String("session_id", sess.ID()))
}

// onPeerState reacts to transport state transitions.
func (c *Controller) onPeerState(sess *sessions.Session, st rtc.State) {
	switch st {
	case rtc.StateConnected:
		sess.SetActive()
	case rtc.StateFailed:
		_ = c.registry.Fail(sess.ID())
		_ = c.broker.Cleanup(context.Background(), sess.ID())
	case rtc.StateClosed:
		c.Close(context.Background(), sess.ID())
	}
}
