package sessions

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rtcvision/rtcvision/broker/memory"
	"github.com/rtcvision/rtcvision/detect/detecttest"
	"github.com/rtcvision/rtcvision/metrics"
	"github.com/rtcvision/rtcvision/pipeline"
	"github.com/rtcvision/rtcvision/rtc/rtctest"
)

func newStage(t *testing.T, id string) *pipeline.Stage {
	t.Helper()
	stage, err := pipeline.NewStage(pipeline.Config{
		SessionID:  id,
		Source:     rtctest.NewFrameSource(1),
		Detector:   detecttest.Static(),
		Mode:       pipeline.ModeServer,
		Aggregator: metrics.NewAggregator(time.Now(), 8),
		Broker:     memory.New(),
	})
	if err != nil {
		t.Fatalf("NewStage failed: %v", err)
	}
	return stage
}

func TestCreateDuplicate(t *testing.T) {
	r := NewRegistry(8)
	peer := &rtctest.PeerSession{}

	if _, err := r.Create("a", pipeline.ModeServer, peer); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if _, err := r.Create("a", pipeline.ModeServer, peer); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("want ErrDuplicateSession, got %v", err)
	}

	// A removed (terminal) entry frees the identifier.
	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := r.Create("a", pipeline.ModeServer, &rtctest.PeerSession{}); err != nil {
		t.Fatalf("Create after Remove failed: %v", err)
	}
}

func TestConcurrentCreateSameID(t *testing.T) {
	r := NewRegistry(8)

	const attempts = 32
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Create("contested", pipeline.ModeServer, &rtctest.PeerSession{})
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrDuplicateSession) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("want exactly one winning Create, got %d", wins)
	}
}

func TestGetNotFound(t *testing.T) {
	r := NewRegistry(8)
	if _, err := r.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func TestAttachStageOnce(t *testing.T) {
	r := NewRegistry(8)
	if _, err := r.Create("a", pipeline.ModeServer, &rtctest.PeerSession{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := r.AttachStage("a", newStage(t, "a"), nil); err != nil {
		t.Fatalf("first AttachStage failed: %v", err)
	}
	if err := r.AttachStage("a", newStage(t, "a"), nil); !errors.Is(err, ErrStageAttached) {
		t.Fatalf("want ErrStageAttached on second attach, got %v", err)
	}

	s, err := r.Get("a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Stage() == nil {
		t.Error("want exactly one stage attached, got none")
	}
}

func TestAttachStageAfterRemove(t *testing.T) {
	r := NewRegistry(8)
	if _, err := r.Create("a", pipeline.ModeServer, &rtctest.PeerSession{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := r.AttachStage("a", newStage(t, "a"), nil); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("attach to removed session: want ErrSessionNotFound, got %v", err)
	}
}

func TestRemoveReleasesPeerOnce(t *testing.T) {
	r := NewRegistry(8)
	peer := &rtctest.PeerSession{}
	s, err := r.Create("a", pipeline.ModeServer, peer)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var cancelled int
	if err := r.AttachStage("a", newStage(t, "a"), func() { cancelled++ }); err != nil {
		t.Fatalf("AttachStage failed: %v", err)
	}

	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := r.Remove("a"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second Remove: want ErrSessionNotFound, got %v", err)
	}

	if want, got := 1, peer.CloseCount(); want != got {
		t.Errorf("peer close count: want %d, got %d", want, got)
	}
	if want, got := 1, cancelled; want != got {
		t.Errorf("stage cancel count: want %d, got %d", want, got)
	}
	if want, got := StateClosed, s.State(); want != got {
		t.Errorf("state after Remove: want %v, got %v", want, got)
	}
	if s.Stage() != nil {
		t.Error("stage must be released on Remove")
	}
}

func TestFailMarksTerminalState(t *testing.T) {
	r := NewRegistry(8)
	peer := &rtctest.PeerSession{}
	s, err := r.Create("a", pipeline.ModeServer, peer)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := r.Fail("a"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if want, got := StateFailed, s.State(); want != got {
		t.Errorf("state: want %v, got %v", want, got)
	}
	if want, got := 1, peer.CloseCount(); want != got {
		t.Errorf("peer close count: want %d, got %d", want, got)
	}
}

func TestStateMachineTransitions(t *testing.T) {
	r := NewRegistry(8)
	s, err := r.Create("a", pipeline.ModeServer, &rtctest.PeerSession{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if want, got := StateNew, s.State(); want != got {
		t.Fatalf("initial state: want %v, got %v", want, got)
	}
	if !s.SetNegotiating() {
		t.Error("New -> Negotiating must succeed")
	}
	if !s.SetActive() {
		t.Error("Negotiating -> Active must succeed")
	}

	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// Terminal states are sticky.
	if s.SetActive() {
		t.Error("Closed -> Active must be rejected")
	}
	if want, got := StateClosed, s.State(); want != got {
		t.Errorf("state: want %v, got %v", want, got)
	}
}

func TestRemoveDuringAttachLeavesNoDanglingStage(t *testing.T) {
	// Interleave AttachStage and Remove; whatever the order, a removed
	// session has no stage and attach never resurrects it.
	for i := 0; i < 50; i++ {
		r := NewRegistry(8)
		if _, err := r.Create("a", pipeline.ModeServer, &rtctest.PeerSession{}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		stage := newStage(t, "a")

		var cancelled atomic.Int32
		attachErr := make(chan error, 1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			attachErr <- r.AttachStage("a", stage, func() { cancelled.Add(1) })
		}()
		go func() {
			defer wg.Done()
			_ = r.Remove("a")
		}()
		wg.Wait()

		if _, err := r.Get("a"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("session must be gone, got err %v", err)
		}
		// Whichever order the race resolved in: an attach that succeeded
		// had its cancel invoked by Remove, an attach that lost saw
		// ErrSessionNotFound and its cancel stays untouched.
		if err := <-attachErr; err == nil {
			if got := cancelled.Load(); got != 1 {
				t.Fatalf("attached stage must be cancelled by Remove, cancel ran %d times", got)
			}
		} else if !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("losing attach: want ErrSessionNotFound, got %v", err)
		}
	}
}
