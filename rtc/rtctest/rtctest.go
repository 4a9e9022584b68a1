// Package rtctest provides scripted peer sessions and frame sources for
// tests that exercise signaling and pipeline behavior without a real
// transport.
package rtctest

import (
	"context"
	"sync"

	"github.com/rtcvision/rtcvision/detect"
	"github.com/rtcvision/rtcvision/rtc"
)

// Factory hands out scripted peer sessions. If Err is set, NewPeerSession
// fails with it.
type Factory struct {
	Err error

	mu       sync.Mutex
	sessions []*PeerSession
}

// NewPeerSession implements rtc.Factory.
func (f *Factory) NewPeerSession(ctx context.Context) (rtc.PeerSession, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	p := &PeerSession{}
	f.mu.Lock()
	f.sessions = append(f.sessions, p)
	f.mu.Unlock()
	return p, nil
}

// Sessions returns every peer session created so far.
func (f *Factory) Sessions() []*PeerSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*PeerSession, len(f.sessions))
	copy(out, f.sessions)
	return out
}

var _ rtc.Factory = (*Factory)(nil)

// PeerSession is a scripted rtc.PeerSession. Zero value answers any offer by
// echoing an answer SDP.
type PeerSession struct {
	// AnswerErr, when set, makes Answer fail.
	AnswerErr error
	// AnswerSDP overrides the generated answer payload.
	AnswerSDP string
	// CandidateErr, when set, makes AddICECandidate fail.
	CandidateErr error
	// Block, when set, makes Answer wait for ctx cancellation (negotiation
	// timeout paths).
	Block bool

	mu           sync.Mutex
	offer        rtc.Description
	candidates   []*rtc.ICECandidate
	onVideoTrack func(rtc.FrameSource)
	onState      func(rtc.State)
	closeCount   int
}

// Answer implements rtc.PeerSession.
func (p *PeerSession) Answer(ctx context.Context, offer rtc.Description) (rtc.Description, error) {
	if p.Block {
		<-ctx.Done()
		return rtc.Description{}, ctx.Err()
	}
	if p.AnswerErr != nil {
		return rtc.Description{}, p.AnswerErr
	}
	p.mu.Lock()
	p.offer = offer
	p.mu.Unlock()

	sdp := p.AnswerSDP
	if sdp == "" {
		sdp = "v=0 test-answer"
	}
	return rtc.Description{SDP: sdp, Type: "answer"}, nil
}

// AddICECandidate implements rtc.PeerSession, recording candidates.
func (p *PeerSession) AddICECandidate(c *rtc.ICECandidate) error {
	if p.CandidateErr != nil {
		return p.CandidateErr
	}
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

// OnVideoTrack implements rtc.PeerSession.
func (p *PeerSession) OnVideoTrack(fn func(rtc.FrameSource)) {
	p.mu.Lock()
	p.onVideoTrack = fn
	p.mu.Unlock()
}

// OnStateChange implements rtc.PeerSession.
func (p *PeerSession) OnStateChange(fn func(rtc.State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// Close implements rtc.PeerSession.
func (p *PeerSession) Close() error {
	p.mu.Lock()
	p.closeCount++
	p.mu.Unlock()
	return nil
}

// CloseCount reports how many times Close was called.
func (p *PeerSession) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

// Offer returns the offer most recently passed to Answer.
func (p *PeerSession) Offer() rtc.Description {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offer
}

// Candidates returns the recorded ICE candidates.
func (p *PeerSession) Candidates() []*rtc.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*rtc.ICECandidate, len(p.candidates))
	copy(out, p.candidates)
	return out
}

// FireVideoTrack simulates the transport delivering a video track.
func (p *PeerSession) FireVideoTrack(src rtc.FrameSource) {
	p.mu.Lock()
	fn := p.onVideoTrack
	p.mu.Unlock()
	if fn != nil {
		fn(src)
	}
}

// FireState simulates a connection state transition.
func (p *PeerSession) FireState(s rtc.State) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

var _ rtc.PeerSession = (*PeerSession)(nil)

// FrameSource is a scripted rtc.FrameSource fed through a channel.
type FrameSource struct {
	frames chan detect.Frame

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewFrameSource returns a FrameSource with the given buffer capacity.
func NewFrameSource(buffer int) *FrameSource {
	return &FrameSource{
		frames: make(chan detect.Frame, buffer),
		done:   make(chan struct{}),
	}
}

// Feed enqueues one frame for ReadFrame to return.
func (s *FrameSource) Feed(f detect.Frame) {
	select {
	case s.frames <- f:
	case <-s.done:
	}
}

// ReadFrame implements rtc.FrameSource.
func (s *FrameSource) ReadFrame(ctx context.Context) (detect.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return detect.Frame{}, rtc.ErrSourceClosed
	case <-ctx.Done():
		return detect.Frame{}, ctx.Err()
	}
}

// Close implements rtc.FrameSource.
func (s *FrameSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

var _ rtc.FrameSource = (*FrameSource)(nil)
