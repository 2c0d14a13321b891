package clocksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimatorSingleSampleSetsB1ToDelta(t *testing.T) {
	e := NewEstimator()
	now := time.Now()
	e.AddSample(Sample{When: now, RTT: 10 * time.Millisecond, Delta: 50 * time.Millisecond})

	_, b0, b1 := e.Snapshot()
	assert.Equal(t, 0.0, b0)
	assert.InDelta(t, 50.0, b1, 0.001)
}

func TestEstimatorServerTimeAppliesOffset(t *testing.T) {
	e := NewEstimator()
	now := time.Now()
	e.AddSample(Sample{When: now, RTT: 10 * time.Millisecond, Delta: 100 * time.Millisecond})

	got := e.ServerTime(now)
	want := now.Add(100 * time.Millisecond)
	assert.WithinDuration(t, want, got, time.Millisecond)
}

func TestEstimatorServerTimeIdentityBeforeAnySample(t *testing.T) {
	e := NewEstimator()
	now := time.Now()
	assert.Equal(t, now, e.ServerTime(now))
}

func TestEstimatorConstantDeltaConvergesRegardlessOfRTTSpread(t *testing.T) {
	e := NewEstimator()
	start := time.Now()
	for i := 0; i < 20; i++ {
		when := start.Add(time.Duration(i) * time.Second)
		rtt := time.Duration(10+i*5) * time.Millisecond // spread of RTTs
		e.AddSample(Sample{When: when, RTT: rtt, Delta: 30 * time.Millisecond})
	}

	probe := start.Add(19 * time.Second)
	got := e.ServerTime(probe)
	want := probe.Add(30 * time.Millisecond)
	assert.WithinDuration(t, want, got, 2*time.Millisecond)
}

func TestRingBufferBoundsSampleCount(t *testing.T) {
	e := NewEstimator()
	start := time.Now()
	for i := 0; i < RingSize+10; i++ {
		e.AddSample(Sample{
			When:  start.Add(time.Duration(i) * time.Millisecond),
			RTT:   time.Millisecond,
			Delta: time.Duration(i) * time.Millisecond,
		})
	}
	assert.Equal(t, RingSize, e.count)
}

func TestLowestQuarterByRTTPicksSmallestRTTs(t *testing.T) {
	now := time.Now()
	all := []Sample{
		{When: now, RTT: 100 * time.Millisecond, Delta: 1},
		{When: now, RTT: 10 * time.Millisecond, Delta: 2},
		{When: now, RTT: 200 * time.Millisecond, Delta: 3},
		{When: now, RTT: 5 * time.Millisecond, Delta: 4},
		{When: now, RTT: 300 * time.Millisecond, Delta: 5},
		{When: now, RTT: 1 * time.Millisecond, Delta: 6},
		{When: now, RTT: 400 * time.Millisecond, Delta: 7},
		{When: now, RTT: 2 * time.Millisecond, Delta: 8},
	}
	// len=8, quarter=2, floored to MinTSSamples=3.
	subset := lowestQuarterByRTT(all)
	assert.Len(t, subset, MinTSSamples)

	var maxRTT time.Duration
	for _, s := range subset {
		if s.RTT > maxRTT {
			maxRTT = s.RTT
		}
	}
	assert.LessOrEqual(t, maxRTT, 10*time.Millisecond)
}
