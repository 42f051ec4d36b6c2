package gsplat

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger receives viewer events. The loader, sorter and octree write through
// Component loggers so every line names its source.
type Logger interface {
	DebugEnabled() bool
	SetDebug(enabled bool)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// DefaultLogger writes "[name] LEVEL: message" lines. Debug and info go to
// one writer, warnings and errors to the other.
type DefaultLogger struct {
	mu    sync.Mutex
	debug bool
	name  string
	out   *log.Logger
	err   *log.Logger
}

func NewDefaultLogger(name string, debug bool) *DefaultLogger {
	return NewLogger(os.Stdout, os.Stderr, name, debug)
}

func NewLogger(out, errOut io.Writer, name string, debug bool) *DefaultLogger {
	flags := log.LstdFlags | log.Lmicroseconds
	return &DefaultLogger{
		debug: debug,
		name:  name,
		out:   log.New(out, "", flags),
		err:   log.New(errOut, "", flags),
	}
}

func (l *DefaultLogger) DebugEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debug
}

func (l *DefaultLogger) SetDebug(enabled bool) {
	l.mu.Lock()
	l.debug = enabled
	l.mu.Unlock()
}

func (l *DefaultLogger) line(level string, format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if l.name == "" {
		return level + ": " + msg
	}
	return "[" + l.name + "] " + level + ": " + msg
}

func (l *DefaultLogger) Debugf(format string, args ...any) {
	if !l.DebugEnabled() {
		return
	}
	l.out.Print(l.line("DEBUG", format, args...))
}

func (l *DefaultLogger) Infof(format string, args ...any) {
	l.out.Print(l.line("INFO", format, args...))
}

func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.err.Print(l.line("WARN", format, args...))
}

func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.err.Print(l.line("ERROR", format, args...))
}

// componentLogger prefixes messages with the part of the viewer that wrote
// them, e.g. "sorter: sort 3: canceled".
type componentLogger struct {
	Logger
	name string
}

// Component scopes l to one part of the viewer. Nested components join with
// a slash.
func Component(l Logger, name string) Logger {
	if c, ok := l.(*componentLogger); ok {
		return &componentLogger{Logger: c.Logger, name: c.name + "/" + name}
	}
	return &componentLogger{Logger: l, name: name}
}

func (c *componentLogger) msg(format string, args []any) string {
	return c.name + ": " + fmt.Sprintf(format, args...)
}

func (c *componentLogger) Debugf(format string, args ...any) {
	if !c.DebugEnabled() {
		return
	}
	c.Logger.Debugf("%s", c.msg(format, args))
}

func (c *componentLogger) Infof(format string, args ...any) {
	c.Logger.Infof("%s", c.msg(format, args))
}

func (c *componentLogger) Warnf(format string, args ...any) {
	c.Logger.Warnf("%s", c.msg(format, args))
}

func (c *componentLogger) Errorf(format string, args ...any) {
	c.Logger.Errorf("%s", c.msg(format, args))
}

type nopLogger struct{}

func NewNopLogger() Logger { return &nopLogger{} }
func (n *nopLogger) DebugEnabled() bool                { return false }
func (n *nopLogger) SetDebug(enabled bool)             {}
func (n *nopLogger) Debugf(format string, args ...any) {}
func (n *nopLogger) Infof(format string, args ...any)  {}
func (n *nopLogger) Warnf(format string, args ...any)  {}
func (n *nopLogger) Errorf(format string, args ...any) {}
