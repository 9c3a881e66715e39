// Package monitoring owns the process-wide diagnostic logger. Library
// packages log through Logf; the command wires it to a zap logger.
package monitoring

import (
	"fmt"
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger or UseZap. Tests mute it with SetLogger(nil).
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// NewLogger builds the command's logger: zap's production JSON encoder at
// info level, or debug level when verbose.
func NewLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l, nil
}

// UseZap routes Logf through l. Messages that start with a bracketed tag,
// such as "[migrate] ...", carry the tag as the component field.
func UseZap(l *zap.Logger) {
	if l == nil {
		SetLogger(nil)
		return
	}
	SetLogger(func(format string, v ...interface{}) {
		msg := fmt.Sprintf(format, v...)
		if component, rest, ok := splitTag(msg); ok {
			l.Info(rest, zap.String("component", component))
			return
		}
		l.Info(msg)
	})
}

func splitTag(msg string) (tag, rest string, ok bool) {
	if !strings.HasPrefix(msg, "[") {
		return "", msg, false
	}
	end := strings.Index(msg, "]")
	if end < 2 {
		return "", msg, false
	}
	return msg[1:end], strings.TrimSpace(strings.TrimRight(msg[end+1:], "\n")), true
}
