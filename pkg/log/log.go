package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Logger is the leveled sink used throughout the networking packages. A nil
// Logger disables logging.
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

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// ConsoleLogger writes one colored line per entry.
type ConsoleLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	level  Level
	prefix string
	now    func() time.Time
}

var levelColors = map[Level]*color.Color{
	LevelDebug: color.New(color.FgCyan),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow, color.Bold),
	LevelError: color.New(color.FgRed, color.Bold),
}

func NewConsoleLogger(level Level, out io.Writer) *ConsoleLogger {
	if out == nil {
		out = os.Stderr
	}
	return &ConsoleLogger{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
		now:   time.Now,
	}
}

// With returns a logger sharing the same output that prefixes every line.
func (l *ConsoleLogger) With(prefix string) *ConsoleLogger {
	p := prefix
	if l.prefix != "" {
		p = l.prefix + " " + prefix
	}
	return &ConsoleLogger{
		mu:     l.mu,
		out:    l.out,
		level:  l.level,
		prefix: p,
		now:    l.now,
	}
}

func (l *ConsoleLogger) Level() Level {
	return l.level
}

func (l *ConsoleLogger) write(level Level, msg string) {
	if level < l.level {
		return
	}
	tag := levelColors[level].Sprintf("%-5s", level.String())

	var sb strings.Builder
	sb.WriteString(l.now().Format("15:04:05.000"))
	sb.WriteString(" ")
	sb.WriteString(tag)
	sb.WriteString(" ")
	if l.prefix != "" {
		sb.WriteString(l.prefix)
		sb.WriteString(" ")
	}
	sb.WriteString(msg)
	sb.WriteString("\n")

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, sb.String())
}

func (l *ConsoleLogger) Debug(msg string) { l.write(LevelDebug, msg) }
func (l *ConsoleLogger) Info(msg string)  { l.write(LevelInfo, msg) }
func (l *ConsoleLogger) Warn(msg string)  { l.write(LevelWarn, msg) }
func (l *ConsoleLogger) Error(msg string) { l.write(LevelError, msg) }
