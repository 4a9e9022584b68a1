// Package rtc wraps the external real-time transport behind narrow
// interfaces. The signaling controller and session registry consume
// PeerSession and FrameSource; the pion-backed implementation lives in
// pion.go and is the only code that touches the transport library directly.
package rtc

import (
	"context"
	"errors"

	"github.com/rtcvision/rtcvision/detect"
)

// ErrSourceClosed is returned by FrameSource.ReadFrame once the underlying
// track has ended.
var ErrSourceClosed = errors.New("frame source closed")

// Description is an opaque SDP payload plus its type ("offer" or "answer").
type Description struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// ICECandidate is an opaque connectivity descriptor exchanged during
// negotiation. A nil candidate signals end-of-candidates.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// State is the coarse peer connection state surfaced to the session layer.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// FrameSource yields raw video frames from one media track. ReadFrame blocks
// until a frame is available, ctx is cancelled, or the track ends
// (ErrSourceClosed).
type FrameSource interface {
	ReadFrame(ctx context.Context) (detect.Frame, error)
	Close() error
}

// PeerSession is the peer-session capability: it supplies answer generation,
// ICE candidate handling, connection state notifications, and raw media
// tracks. This system only consumes it.
type PeerSession interface {
	// Answer applies the remote offer, produces the local answer, and
	// returns it. The call is bounded by ctx; implementations must not hang
	// past its deadline.
	Answer(ctx context.Context, offer Description) (Description, error)

	// AddICECandidate applies a remote candidate. A nil candidate is a
	// valid end-of-candidates signal.
	AddICECandidate(c *ICECandidate) error

	// OnVideoTrack registers the callback invoked once per incoming video
	// track. Must be registered before Answer.
	OnVideoTrack(fn func(FrameSource))

	// OnStateChange registers the callback invoked on connection state
	// transitions.
	OnStateChange(fn func(State))

	// Close tears the peer down. Safe to call more than once.
	Close() error
}

// Factory creates peer sessions. The production implementation is NewFactory
// in pion.go; tests use rtctest.
type Factory interface {
	NewPeerSession(ctx context.Context) (PeerSession, error)
}
