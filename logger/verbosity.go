package logger

import "go.uber.org/zap/zapcore"

// VerbosityToLevel maps the CLI -v count to a zap level.
//
//	0      -> configured level (returned as-is)
//	1 (-v) -> info
//	2+     -> debug
func VerbosityToLevel(verbosity int, configured zapcore.Level) zapcore.Level {
	switch {
	case verbosity <= 0:
		return configured
	case verbosity == 1:
		if configured < zapcore.InfoLevel {
			return configured
		}
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
