// Package server implements the listener and worker roles: admission of
// TCP connections under a ceiling, reaping of finished workers, the UDP
// echo loop and the single exchange a worker performs.
package server

import "sync/atomic"

// Admission is the live connection counter of one listener. The accept
// loop is the only incrementer; the reaper decrements concurrently.
type Admission struct {
	max  int64
	live atomic.Int64
}

// NewAdmission returns a counter with the given ceiling. A ceiling of 0
// admits everything and counts nothing, since no reaper runs to balance
// the count.
func NewAdmission(max int) *Admission {
	return &Admission{max: int64(max)}
}

// Bounded reports whether a ceiling is enforced.
func (a *Admission) Bounded() bool { return a.max > 0 }

// Max returns the ceiling.
func (a *Admission) Max() int64 { return a.max }

// TryAcquire takes a slot if one is free. The increment happens before
// the worker that will release it is spawned.
func (a *Admission) TryAcquire() bool {
	if a.max <= 0 {
		return true
	}
	for {
		n := a.live.Load()
		if n >= a.max {
			return false
		}
		if a.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release frees one slot. It never drops the count below zero.
func (a *Admission) Release() {
	if a.max <= 0 {
		return
	}
	for {
		n := a.live.Load()
		if n <= 0 {
			return
		}
		if a.live.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Live returns the number of admitted connections not yet reaped.
func (a *Admission) Live() int64 { return a.live.Load() }
