// Package logx configures shopwatch's structured logging.
//
// logx.Logger is a thin wrapper over zerolog:
//   - console output stays readable (short timestamp and caller)
//   - file output is JSON
//   - an optional Telegram sink mirrors warnings, rate limited
package logx
