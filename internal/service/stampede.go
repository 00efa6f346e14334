package service

import (
	"sync"
)

// stampedeTracker counts concurrent cache misses per location. A count above
// one means several requests reached the store for the same location at once.
type stampedeTracker struct {
	mu           sync.Mutex
	activeMisses map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{
		activeMisses: make(map[string]int),
	}
}

// RecordMiss increments the count for location and returns the new value.
// Callers defer Resolve(location).
func (st *stampedeTracker) RecordMiss(location string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.activeMisses[location]++
	return st.activeMisses[location]
}

// Resolve marks one miss for location as finished.
func (st *stampedeTracker) Resolve(location string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if count, ok := st.activeMisses[location]; ok && count > 0 {
		st.activeMisses[location]--
		if st.activeMisses[location] == 0 {
			delete(st.activeMisses, location)
		}
	}
}

func (st *stampedeTracker) active(location string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeMisses[location]
}
