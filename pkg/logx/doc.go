// Package logx configures extractd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional remote sink (min-level + rate limiting), e.g. a Telegram chat
package logx
