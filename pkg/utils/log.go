package utils

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// ComponentLogger is one entry of the logger registry, keyed by prefix.
type ComponentLogger struct {
	Logger *log.LogrusLogger
	level  log.Level
}

func (cl *ComponentLogger) Level() string {
	switch cl.level {
	case log.PanicLevel:
		return "Panic"
	case log.FatalLevel:
		return "Fatal"
	case log.ErrorLevel:
		return "Error"
	case log.WarnLevel:
		return "Warn"
	case log.InfoLevel:
		return "Info"
	case log.DebugLevel:
		return "Debug"
	case log.TraceLevel:
		return "Trace"
	}
	return "Unknown"
}

var (
	loggersMu       sync.Mutex
	loggers         = make(map[string]*ComponentLogger)
	DefaultLogLevel = log.InfoLevel
)

// NewLogrusLogger returns the logger registered under prefix, creating it on
// first use. Later calls with the same prefix share the level set by the
// first one.
func NewLogrusLogger(level log.Level, prefix string, fields log.Fields) log.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if cl, found := loggers[prefix]; found {
		return withFields(cl.Logger.WithPrefix(prefix), fields)
	}
	l := logrus.New()
	l.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     true,
		ForceFormatting: true,
	}
	logger := log.NewLogrusLogger(l, "media", nil)
	logger.SetLevel(level)
	loggers[prefix] = &ComponentLogger{
		Logger: logger,
		level:  level,
	}
	return withFields(logger.WithPrefix(prefix), fields)
}

func withFields(logger log.Logger, fields log.Fields) log.Logger {
	if len(fields) == 0 {
		return logger
	}
	return logger.WithFields(fields)
}

// SetLogLevel changes the level of a registered component logger.
func SetLogLevel(prefix string, level log.Level) error {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if cl, found := loggers[prefix]; found {
		cl.level = level
		cl.Logger.SetLevel(level)
		return nil
	}
	return fmt.Errorf("logger [%v] not found", prefix)
}

// LoggerNames lists registered prefixes in lexical order.
func LoggerNames() []string {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	names := make([]string, 0, len(loggers))
	for name := range loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseLevel maps a command-line level name onto a gosip log level.
func ParseLevel(name string) (log.Level, error) {
	l, err := logrus.ParseLevel(name)
	if err != nil {
		return log.InfoLevel, err
	}
	return log.Level(l), nil
}
