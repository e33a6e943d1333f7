package engine

import "errors"

// Enqueue failures. Callers running periodic work treat all of them as
// "try again next round"; only ErrOverlapSkip is expected in steady state.
var (
	ErrStopped     = errors.New("engine: not running")
	ErrStopping    = errors.New("engine: shutting down")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: previous run for key still active")
)
