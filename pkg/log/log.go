package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Logger is the logging interface consumed by the rpc runtime and services.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unrecognized log level: %q", s)
}

var (
	debugTag = color.New(color.FgCyan).Sprint("DEBUG")
	infoTag  = color.New(color.FgGreen).Sprint("INFO ")
	warnTag  = color.New(color.FgYellow).Sprint("WARN ")
	errorTag = color.New(color.FgRed).Sprint("ERROR")
)

// ConsoleLogger writes leveled, timestamped lines to a single writer.
type ConsoleLogger struct {
	level Level
	out   io.Writer
	mu    sync.Mutex
}

func NewConsoleLogger(level Level) *ConsoleLogger {
	return &ConsoleLogger{
		level: level,
		out:   os.Stderr,
	}
}

func (l *ConsoleLogger) log(level Level, tag string, msg string) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %s %s\n", time.Now().Format(time.DateTime), tag, msg)
}

func (l *ConsoleLogger) Debug(msg string) {
	l.log(LevelDebug, debugTag, msg)
}

func (l *ConsoleLogger) Info(msg string) {
	l.log(LevelInfo, infoTag, msg)
}

func (l *ConsoleLogger) Warn(msg string) {
	l.log(LevelWarn, warnTag, msg)
}

func (l *ConsoleLogger) Error(msg string) {
	l.log(LevelError, errorTag, msg)
}
