// Package logx configures mentionbot's structured logging.
//
// Logger is a thin wrapper over zerolog:
//   - console output is human readable (short timestamp, file:line caller)
//   - file output is JSON lines
//   - an optional Telegram sink forwards warnings to an operator chat, rate limited
package logx
