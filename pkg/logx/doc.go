// Package logx configures errbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional error capture (ERROR lines are handed to a CaptureFunc, which the
//     app wires to the error pipeline)
package logx
