// Package logx is checkinbot's structured logging layer, a small wrapper
// over zerolog. Console output stays readable (short timestamps, file:line
// caller), file output is JSON, and a config reload can swap levels and
// sinks under running loggers.
package logx
