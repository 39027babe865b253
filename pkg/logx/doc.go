// Package logx configures notifybot's structured logging.
//
// It wraps zerolog (logx.Logger) and keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional chat sink (min-level + rate limiting)
package logx
