package clocksync

import (
	"container/heap"
	"sync"
	"time"
)

// RingSize bounds the number of retained samples, per spec.md section
// 4.9's "ring of up to 64 samples".
const RingSize = 64

// MinTSSamples is the floor on how many samples the lowest-quarter
// selection keeps, below which it keeps this many (or fewer, if fewer
// samples exist overall).
const MinTSSamples = 3

// MinDriftSamples is the floor below which the regression falls back
// to a plain mean of the selected subset's deltas instead of a
// weighted linear fit. Spec.md names MIN_DRIFT_SAMPLES without
// pinning a literal distinct from MIN_TS_SAMPLES, so this repo uses
// the same value for both.
const MinDriftSamples = 3

// Sample is one (when, rtt, delta) clock-sync observation.
type Sample struct {
	When  time.Time
	RTT   time.Duration
	Delta time.Duration
}

// Estimator maintains a ring buffer of samples and the current linear
// drift model (base, B0, B1), guarded by a mutex so a consumer always
// observes a consistent triple, per spec.md section 4.9.
type Estimator struct {
	mu     sync.Mutex
	ring   [RingSize]Sample
	count  int
	next   int
	base   time.Time
	b0     float64 // drift slope, ms per ms
	b1     float64 // offset, ms
	seeded bool
}

// NewEstimator creates an estimator with no samples yet; ServerTime
// returns its input unchanged until the first sample arrives.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// AddSample records a new observation and recomputes the drift model.
func (e *Estimator) AddSample(s Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ring[e.next] = s
	e.next = (e.next + 1) % RingSize
	if e.count < RingSize {
		e.count++
	}
	if !e.seeded {
		e.base = s.When.Add(-time.Second)
		e.seeded = true
	}
	e.recompute()
}

func (e *Estimator) samples() []Sample {
	out := make([]Sample, e.count)
	if e.count < RingSize {
		copy(out, e.ring[:e.count])
		return out
	}
	// ring is full; next is the oldest slot's index.
	for i := 0; i < RingSize; i++ {
		out[i] = e.ring[(e.next+i)%RingSize]
	}
	return out
}

func (e *Estimator) recompute() {
	all := e.samples()
	if len(all) == 1 {
		e.b0 = 0
		e.b1 = float64(all[0].Delta) / float64(time.Millisecond)
		return
	}

	subset := lowestQuarterByRTT(all)
	if len(subset) < MinDriftSamples {
		e.b0 = 0
		e.b1 = meanDeltaMillis(subset)
		return
	}

	// Rebase slightly before the oldest sample in the subset to keep
	// the weight subtraction stable across any 32-bit-style rollover
	// in the caller's original timestamp space.
	oldest := subset[0].When
	for _, s := range subset[1:] {
		if s.When.Before(oldest) {
			oldest = s.When
		}
	}
	e.base = oldest.Add(-time.Second)

	var wbar, dbar float64
	weights := make([]float64, len(subset))
	deltas := make([]float64, len(subset))
	for i, s := range subset {
		w := float64(s.When.Sub(e.base)) / float64(time.Millisecond)
		d := float64(s.Delta) / float64(time.Millisecond)
		weights[i] = w
		deltas[i] = d
		wbar += w
		dbar += d
	}
	n := float64(len(subset))
	wbar /= n
	dbar /= n

	var num, den float64
	for i := range subset {
		dw := weights[i] - wbar
		dd := deltas[i] - dbar
		num += dw * dd
		den += dw * dw
	}

	if den <= 0 {
		e.b0 = 0
		e.b1 = dbar
		return
	}
	e.b0 = num / den
	e.b1 = dbar - e.b0*wbar
}

func meanDeltaMillis(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.Delta) / float64(time.Millisecond)
	}
	return sum / float64(len(samples))
}

// lowestQuarterByRTT returns the subset of all with the smallest RTT,
// sized to one quarter of all, floored at MinTSSamples (or all of
// them, if fewer exist overall).
func lowestQuarterByRTT(all []Sample) []Sample {
	quarter := len(all) / 4
	size := quarter
	if size < MinTSSamples {
		size = MinTSSamples
	}
	if size > len(all) {
		size = len(all)
	}

	// Bounded max-heap keyed by RTT: push everything, popping the
	// current worst whenever the heap exceeds size, leaving the
	// size smallest-RTT samples behind. Same bounded top-K idiom as a
	// k-closest-node selection over a candidate set.
	h := &rttMaxHeap{}
	heap.Init(h)
	for _, s := range all {
		heap.Push(h, s)
		if h.Len() > size {
			heap.Pop(h)
		}
	}
	out := make([]Sample, h.Len())
	copy(out, h.items)
	return out
}

type rttMaxHeap struct {
	items []Sample
}

func (h *rttMaxHeap) Len() int           { return len(h.items) }
func (h *rttMaxHeap) Less(i, j int) bool { return h.items[i].RTT > h.items[j].RTT }
func (h *rttMaxHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *rttMaxHeap) Push(x interface{}) { h.items = append(h.items, x.(Sample)) }
func (h *rttMaxHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// ServerTime converts a client-side timestamp into the estimated
// corresponding time on the peer's clock: clientT + round(B0*(clientT
// - base) + B1).
func (e *Estimator) ServerTime(clientT time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seeded {
		return clientT
	}
	w := float64(clientT.Sub(e.base)) / float64(time.Millisecond)
	offsetMillis := e.b0*w + e.b1
	return clientT.Add(time.Duration(offsetMillis * float64(time.Millisecond)))
}

// Snapshot returns the current (base, B0, B1) triple for inspection.
func (e *Estimator) Snapshot() (base time.Time, b0, b1 float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.base, e.b0, e.b1
}
