// Package feeding holds the feeder's domain model: recurring schedules,
// occurrences and the immutable dispatch events written to the event log.
//
// Types here carry no behavior beyond parsing and validation; matching,
// dedup and dispatch live in internal/dispatch.
package feeding
