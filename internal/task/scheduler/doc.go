// Package scheduler drives the periodic sweep.
//
// Every tick interval the sweep lists all enabled schedules grouped by owner
// and enqueues one tick per owner into the task engine. It never runs a tick
// itself; execution, timeouts and overlap gating live in internal/task/engine.
package scheduler
