// Package logx configures the feeder's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File and JSON output structured
//   - Level and sinks swappable at runtime (config hot reload)
package logx
