package arlens

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlight is the default number of concurrent inference requests.
const DefaultMaxInFlight = 3

// ErrTooManyRequests is returned by explicit client calls when the admission limit is reached.
var ErrTooManyRequests = errors.New("too many requests in flight")

// Admission bounds the number of concurrent inference requests. It never queues: a request that
// arrives at the limit is turned away immediately.
//
// An Admission may be shared by several clients, which then share the limit.
type Admission struct {
	sem     *semaphore.Weighted
	pending atomic.Int64
	limit   int
}

// NewAdmission returns an Admission allowing up to limit requests in flight. A limit below 1 is
// raised to 1.
func NewAdmission(limit int) *Admission {
	if limit < 1 {
		limit = 1
	}
	return &Admission{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// TryAcquire reserves a slot without blocking. Each successful call must be paired with Release.
func (a *Admission) TryAcquire() bool {
	if !a.sem.TryAcquire(1) {
		return false
	}
	a.pending.Add(1)
	return true
}

// Release frees a slot reserved by TryAcquire.
func (a *Admission) Release() {
	a.pending.Add(-1)
	a.sem.Release(1)
}

// Pending is the number of requests currently in flight.
func (a *Admission) Pending() int {
	return int(a.pending.Load())
}

// Limit is the maximum number of requests in flight.
func (a *Admission) Limit() int {
	return a.limit
}
