package arlens

import (
	"math"
	"sync"
	"time"
)

// Default motion gate settings.
const (
	DefaultMotionThreshold   = 0.15                   // Deviation from 1g that counts as motion.
	DefaultStillnessDuration = 800 * time.Millisecond // Still time before the device is stable.
)

// MotionStatus is the state of the device as seen by a MotionGate.
type MotionStatus string

// Motion states.
const (
	MotionStable      MotionStatus = "stable"
	MotionMoving      MotionStatus = "moving"
	MotionStabilizing MotionStatus = "stabilizing"
)

// Sample is an accelerometer reading in units of g.
type Sample struct {
	X, Y, Z float64
}

// Magnitude is the length of the acceleration vector.
func (s Sample) Magnitude() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// MotionGate decides from accelerometer samples whether the device is held still. Detections are
// only meaningful while the device is stable.
//
// The gate does not run timers: the caller passes the sample time to Observe, and Status
// re-evaluates the stillness window for a given time. It is safe for concurrent use.
type MotionGate struct {
	threshold float64
	stillness time.Duration

	mu         sync.Mutex
	status     MotionStatus
	stillSince time.Time // Start of the current still period while stabilizing.
	lastMotion time.Time
}

// NewMotionGate returns a gate in the stable state. Non-positive arguments select the defaults.
func NewMotionGate(threshold float64, stillness time.Duration) *MotionGate {
	if threshold <= 0 {
		threshold = DefaultMotionThreshold
	}
	if stillness <= 0 {
		stillness = DefaultStillnessDuration
	}
	return &MotionGate{threshold: threshold, stillness: stillness, status: MotionStable}
}

// Observe feeds a sample taken at now and returns the resulting status.
func (g *MotionGate) Observe(s Sample, now time.Time) MotionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	if math.Abs(s.Magnitude()-1) > g.threshold {
		if g.status != MotionMoving {
			logger.Debug("Motion detected")
		}
		g.status = MotionMoving
		g.lastMotion = now
		g.stillSince = time.Time{}
		return g.status
	}

	switch g.status {
	case MotionMoving:
		g.status = MotionStabilizing
		g.stillSince = now
	case MotionStabilizing:
		g.advance(now)
	}

	return g.status
}

// Status returns the status at now, completing a pending stabilization if the stillness window
// has passed.
func (g *MotionGate) Status(now time.Time) MotionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.advance(now)
	return g.status
}

// IsMoving reports whether the device is not yet stable at now.
func (g *MotionGate) IsMoving(now time.Time) bool {
	return g.Status(now) != MotionStable
}

// LastMotion is the time of the last sample above the threshold.
func (g *MotionGate) LastMotion() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastMotion
}

func (g *MotionGate) advance(now time.Time) {
	if g.status == MotionStabilizing && now.Sub(g.stillSince) >= g.stillness {
		logger.Debug("Device stabilized")
		g.status = MotionStable
		g.stillSince = time.Time{}
	}
}
