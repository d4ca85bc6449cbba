package transport

import (
	"sync"
	"time"

	"github.com/mahsong/roomlink/internal/models"
)

// probeWindow bounds how many ping outcomes feed the loss percentage.
const probeWindow = 20

// healthTracker folds ping probe outcomes into latency, jitter, and loss
// readings. Latency is an EWMA so a single slow probe does not whipsaw the
// health classification; jitter is the smoothed deviation between samples.
type healthTracker struct {
	mu sync.Mutex

	latency  time.Duration
	jitter   time.Duration
	lastRTT  time.Duration
	outcomes []bool // true = pong received, ring of probeWindow
	inFlight bool
	failures int
	offline  bool
}

func newHealthTracker() *healthTracker {
	return &healthTracker{offline: true}
}

func (h *healthTracker) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latency = 0
	h.jitter = 0
	h.lastRTT = 0
	h.outcomes = nil
	h.inFlight = false
	h.failures = 0
	h.offline = false
}

func (h *healthTracker) markOffline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline = true
	h.inFlight = false
}

func (h *healthTracker) recordDialFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.offline = true
}

// probeSent is called when a ping goes out. A still-outstanding previous
// probe counts as lost.
func (h *healthTracker) probeSent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight {
		h.pushOutcome(false)
		h.failures++
	}
	h.inFlight = true
}

// probeSucceeded is called with the round-trip time of a received pong.
func (h *healthTracker) probeSucceeded(rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight = false
	h.failures = 0
	h.pushOutcome(true)

	if h.latency == 0 {
		h.latency = rtt
	} else {
		// EWMA with 1/4 weight on the new sample.
		h.latency = (h.latency*3 + rtt) / 4
	}
	if h.lastRTT != 0 {
		dev := rtt - h.lastRTT
		if dev < 0 {
			dev = -dev
		}
		h.jitter = (h.jitter*3 + dev) / 4
	}
	h.lastRTT = rtt
}

func (h *healthTracker) pushOutcome(ok bool) {
	h.outcomes = append(h.outcomes, ok)
	if len(h.outcomes) > probeWindow {
		h.outcomes = h.outcomes[len(h.outcomes)-probeWindow:]
	}
}

func (h *healthTracker) quality() models.NetworkQuality {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := models.NetworkQuality{
		Latency: h.latency,
		Jitter:  h.jitter,
	}
	if n := len(h.outcomes); n > 0 {
		lost := 0
		for _, ok := range h.outcomes {
			if !ok {
				lost++
			}
		}
		q.PacketLoss = float64(lost) / float64(n)
	}
	if h.offline {
		q.PacketLoss = 1
	}
	return q
}

func (h *healthTracker) consecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures
}
