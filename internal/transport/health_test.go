package transport

import (
	"testing"
	"time"
)

func TestHealthTracker_StartsOffline(t *testing.T) {
	h := newHealthTracker()
	if got := h.quality().PacketLoss; got != 1 {
		t.Errorf("Expected total loss before any connection, got %v", got)
	}

	h.reset()
	if got := h.quality().PacketLoss; got != 0 {
		t.Errorf("Expected a clean window after reset, got %v", got)
	}
}

func TestHealthTracker_LatencyIsSmoothed(t *testing.T) {
	h := newHealthTracker()
	h.reset()

	h.probeSent()
	h.probeSucceeded(100 * time.Millisecond)
	if got := h.quality().Latency; got != 100*time.Millisecond {
		t.Fatalf("Expected the first sample verbatim, got %v", got)
	}

	// One slow probe moves the reading only a quarter of the way.
	h.probeSent()
	h.probeSucceeded(500 * time.Millisecond)
	if got := h.quality().Latency; got != 200*time.Millisecond {
		t.Errorf("Expected smoothed latency 200ms, got %v", got)
	}
	if h.quality().Jitter == 0 {
		t.Error("Expected jitter to register the swing between samples")
	}
}

func TestHealthTracker_UnansweredProbesCountAsLoss(t *testing.T) {
	h := newHealthTracker()
	h.reset()

	h.probeSent()
	h.probeSucceeded(50 * time.Millisecond)

	// Three pings go out with no pong in between: the first two are
	// counted lost when the next probe departs.
	h.probeSent()
	h.probeSent()
	h.probeSent()

	q := h.quality()
	if q.PacketLoss != 2.0/3.0 {
		t.Errorf("Expected 2/3 loss, got %v", q.PacketLoss)
	}
	if got := h.consecutiveFailures(); got != 2 {
		t.Errorf("Expected 2 consecutive failures, got %d", got)
	}

	// A pong clears the failure streak.
	h.probeSucceeded(50 * time.Millisecond)
	if got := h.consecutiveFailures(); got != 0 {
		t.Errorf("Expected failures cleared by a pong, got %d", got)
	}
}

func TestHealthTracker_WindowIsBounded(t *testing.T) {
	h := newHealthTracker()
	h.reset()

	// Fill the window with losses, then recover with a full window of pongs.
	for i := 0; i < probeWindow+5; i++ {
		h.probeSent()
	}
	for i := 0; i < probeWindow; i++ {
		h.probeSent()
		h.probeSucceeded(40 * time.Millisecond)
	}

	q := h.quality()
	if q.PacketLoss != 0 {
		t.Errorf("Expected old losses to age out of the window, got %v", q.PacketLoss)
	}
}

func TestHealthTracker_DialFailuresForceOffline(t *testing.T) {
	h := newHealthTracker()
	h.reset()
	h.probeSent()
	h.probeSucceeded(40 * time.Millisecond)

	h.recordDialFailure()
	h.recordDialFailure()

	q := h.quality()
	if q.PacketLoss != 1 {
		t.Errorf("Expected total loss while offline, got %v", q.PacketLoss)
	}
	if got := h.consecutiveFailures(); got != 2 {
		t.Errorf("Expected dial failures counted, got %d", got)
	}
}
