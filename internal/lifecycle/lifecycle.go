// Package lifecycle tracks which phase the process is in. The health handler
// reports 503 outside of Serving so load balancers hold traffic during startup
// warming and drain it during shutdown.
package lifecycle

import "sync/atomic"

// Phase is the process lifecycle phase.
type Phase int32

const (
	Starting Phase = iota
	Serving
	ShuttingDown
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Serving:
		return "serving"
	case ShuttingDown:
		return "shutting-down"
	}
	return "unknown"
}

var current atomic.Int32

// Set moves the process to phase p. Call with Serving once startup work is
// done and with ShuttingDown when SIGTERM/SIGINT is received.
func Set(p Phase) {
	current.Store(int32(p))
}

// Current returns the phase; Starting until Set is called.
func Current() Phase {
	return Phase(current.Load())
}
