package rtc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/rtcvision/rtcvision/detect"
)

// PionFactory builds peer sessions on pion/webrtc.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory returns a Factory using the given STUN/TURN server URLs. An
// empty list falls back to Google's public STUN server.
func NewFactory(iceURLs []string) *PionFactory {
	if len(iceURLs) == 0 {
		iceURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return &PionFactory{
		api: webrtc.NewAPI(),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceURLs}},
		},
	}
}

// NewPeerSession implements Factory.
func (f *PionFactory) NewPeerSession(ctx context.Context) (PeerSession, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &pionSession{pc: pc}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		p.mu.Lock()
		fn := p.onVideoTrack
		p.mu.Unlock()
		if fn != nil {
			fn(newTrackSource(track))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.mu.Lock()
		fn := p.onStateChange
		p.mu.Unlock()
		if fn != nil {
			fn(mapState(s))
		}
	})

	return p, nil
}

var _ Factory = (*PionFactory)(nil)

type pionSession struct {
	pc *webrtc.PeerConnection

	mu            sync.Mutex
	onVideoTrack  func(FrameSource)
	onStateChange func(State)
	closed        bool
}

func (p *pionSession) OnVideoTrack(fn func(FrameSource)) {
	p.mu.Lock()
	p.onVideoTrack = fn
	p.mu.Unlock()
}

func (p *pionSession) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onStateChange = fn
	p.mu.Unlock()
}

// Answer sets the remote offer, produces the local answer, and waits for ICE
// gathering to finish so the returned SDP carries the candidates. The wait is
// bounded by ctx.
func (p *pionSession) Answer(ctx context.Context, offer Description) (Description, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return Description{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return Description{}, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return Description{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return Description{}, fmt.Errorf("no local description after gathering")
	}
	return Description{SDP: local.SDP, Type: local.Type.String()}, nil
}

func (p *pionSession) AddICECandidate(c *ICECandidate) error {
	if c == nil || c.Candidate == "" {
		// End-of-candidates.
		return nil
	}
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionSession) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

var _ PeerSession = (*pionSession)(nil)

func mapState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateConnecting
	}
}

// trackSource adapts a remote RTP track to FrameSource. Packets are
// assembled into access units at marker-bit boundaries; capture timestamps
// are derived from the RTP media clock anchored to the wall clock at the
// first packet, never simulated.
type trackSource struct {
	track     *webrtc.TrackRemote
	clockRate float64
	format    string

	mu       sync.Mutex
	anchored bool
	baseRTP  uint32
	baseWall time.Time
	buf      []byte
	closed   bool
}

func newTrackSource(track *webrtc.TrackRemote) *trackSource {
	codec := track.Codec()
	format := codec.MimeType
	if i := strings.IndexByte(format, '/'); i >= 0 {
		format = strings.ToLower(format[i+1:])
	}
	rate := float64(codec.ClockRate)
	if rate == 0 {
		rate = 90000
	}
	return &trackSource{track: track, clockRate: rate, format: format}
}

// ReadFrame implements FrameSource.
func (s *trackSource) ReadFrame(ctx context.Context) (detect.Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return detect.Frame{}, ErrSourceClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.track.SetReadDeadline(deadline)
	}

	for {
		if ctx.Err() != nil {
			return detect.Frame{}, ctx.Err()
		}

		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			return detect.Frame{}, fmt.Errorf("%w: %v", ErrSourceClosed, err)
		}

		frame, done := s.push(pkt)
		if done {
			return frame, nil
		}
	}
}

// push accumulates one packet and returns a completed frame when the marker
// bit closes the access unit.
func (s *trackSource) push(pkt *rtp.Packet) (detect.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.anchored {
		s.anchored = true
		s.baseRTP = pkt.Timestamp
		s.baseWall = time.Now()
	}

	s.buf = append(s.buf, pkt.Payload...)
	if !pkt.Marker {
		return detect.Frame{}, false
	}

	data := make([]byte, len(s.buf))
	copy(data, s.buf)
	s.buf = s.buf[:0]

	// Signed difference tolerates RTP timestamp wraparound.
	diff := int32(pkt.Timestamp - s.baseRTP)
	offset := time.Duration(float64(diff) / s.clockRate * float64(time.Second))

	return detect.Frame{
		Data:      data,
		Format:    s.format,
		CaptureTS: s.baseWall.Add(offset).UnixMilli(),
	}, true
}

// Close implements FrameSource.
func (s *trackSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
	return nil
}

var _ FrameSource = (*trackSource)(nil)
