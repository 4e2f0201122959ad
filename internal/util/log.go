// Package util provides the shared pterm-backed logger.
package util

import (
	"fmt"
	"hash/fnv"
	"net"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Logger is a component-scoped view of pterm.DefaultLogger. Every line it
// prints carries a "component" argument plus whatever With added.
type Logger struct {
	args []any
}

// Named returns a logger tagged with the given component name.
func Named(component string) *Logger {
	return &Logger{args: []any{"component", component}}
}

// With returns a copy of l with extra key/value arguments appended.
func (l *Logger) With(kv ...any) *Logger {
	args := make([]any, 0, len(l.args)+len(kv))
	args = append(args, l.args...)
	args = append(args, kv...)
	return &Logger{args: args}
}

func (l *Logger) argsFor() []pterm.LoggerArgument {
	return pterm.DefaultLogger.Args(l.args...)
}

func (l *Logger) Debug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), l.argsFor())
}

func (l *Logger) Info(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), l.argsFor())
}

func (l *Logger) Warn(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), l.argsFor())
}

func (l *Logger) Error(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), l.argsFor())
}

// Unscoped helpers used by the CLI.

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// ConnTag returns a short hex tag identifying a TCP connection by its
// 4-tuple, for correlating log lines of one transfer.
func ConnTag(conn net.Conn) string {
	h := fnv.New32a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return fmt.Sprintf("%08x", h.Sum32())
}

// LogSuccess prints a highlighted success line for the CLI.
func LogSuccess(format string, args ...any) {
	pterm.Success.Println(fmt.Sprintf(format, args...))
}
