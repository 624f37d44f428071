// Package logx is the structured logging layer of the summary bot.
//
// Logger is a small value type on top of zerolog:
//   - console sink: short timestamp + file:line caller
//   - file sink: JSON lines
//   - chat sink: warnings and errors mirrored to a Telegram chat (min-level + rate limited)
package logx
