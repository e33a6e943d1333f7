// Package alert delivers operator alerts.
//
// Alerts are raised for dispatches that reached the feeder but could not be
// recorded (critical), aborted ticks and sweeps, and optionally failed
// scheduled dispatches. They pass through a bounded queue, a token-bucket
// limiter and a dedup window before reaching every configured sink.
package alert
