package arlens

import (
	"testing"
	"time"
)

var (
	still = Sample{Z: 1}
	shake = Sample{X: 0.4, Y: 0.3, Z: 1.1}
)

func TestMotionGateTransitions(t *testing.T) {
	g := NewMotionGate(0, 0)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

	steps := []struct {
		sample Sample
		ms     int
		want   MotionStatus
	}{
		{still, 0, MotionStable},
		{shake, 200, MotionMoving},
		{still, 400, MotionStabilizing},
		{still, 600, MotionStabilizing},
		{shake, 800, MotionMoving}, // Motion restarts the stillness window.
		{still, 1000, MotionStabilizing},
		{still, 1600, MotionStabilizing},
		{still, 1800, MotionStable},
		{still, 2000, MotionStable},
	}

	for i, s := range steps {
		if got := g.Observe(s.sample, at(s.ms)); got != s.want {
			t.Fatalf("step %d at %dms: got %q, want %q", i, s.ms, got, s.want)
		}
	}

	if !g.LastMotion().Equal(at(800)) {
		t.Errorf("LastMotion() = %v, want %v", g.LastMotion(), at(800))
	}
}

func TestMotionGateStatusAdvancesWithoutSamples(t *testing.T) {
	g := NewMotionGate(DefaultMotionThreshold, time.Second)
	t0 := time.Now()

	g.Observe(shake, t0)
	g.Observe(still, t0.Add(100*time.Millisecond))

	if !g.IsMoving(t0.Add(500 * time.Millisecond)) {
		t.Error("stable before the stillness window passed")
	}
	if got := g.Status(t0.Add(1100 * time.Millisecond)); got != MotionStable {
		t.Errorf("got %q, want %q", got, MotionStable)
	}
}

func TestSampleMagnitude(t *testing.T) {
	if m := (Sample{X: 3, Y: 4}).Magnitude(); m != 5 {
		t.Errorf("Magnitude() = %v, want 5", m)
	}
}
