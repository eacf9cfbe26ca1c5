package tools

import (
	"fmt"
	"github.com/sirupsen/logrus"
	"io"
)

// NewLogger configures the root logger of a process, format is text or json
func NewLogger(level, format string, out io.Writer) (*Logger, error) {
	l := logrus.New()
	l.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(lvl)

	switch format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return LoggerCloner(l), nil
}

// LoggerCloner wraps a configured root logger so that every component can derive
// its own logger, sharing output, formatter and level but tagged with who it is.
func LoggerCloner(l *logrus.Logger) *Logger {
	return &Logger{
		def: l,
	}
}

// DiscardLogger is used by tests and tools that have no use for log output.
func DiscardLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return LoggerCloner(l)
}

type Logger struct {
	def *logrus.Logger
}

func (l *Logger) New(name string) *logrus.Logger {
	if l == nil || l.def == nil {
		return DiscardLogger().New(name)
	}

	// slices are copied, AddHook below would otherwise append into the parents hooks
	hooks := logrus.LevelHooks{}
	for level, hs := range l.def.Hooks {
		hooks[level] = append([]logrus.Hook(nil), hs...)
	}

	ll := &logrus.Logger{
		Out:          l.def.Out,
		Formatter:    l.def.Formatter,
		Hooks:        hooks,
		Level:        l.def.Level,
		ExitFunc:     l.def.ExitFunc,
		ReportCaller: l.def.ReportCaller,
	}

	ll.AddHook(LoggerWho{Name: name})
	return ll
}

type LoggerWho struct {
	Name string
}

func (w LoggerWho) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (w LoggerWho) Fire(entry *logrus.Entry) error {
	entry.Data["who"] = w.Name
	return nil
}
