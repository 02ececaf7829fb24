package logger

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogFormat is the format used in (structured) logs.
type LogFormat string

const (
	TextFormat LogFormat = "text"
	JSONFormat LogFormat = "json"
)

// LogLevel is the Logger level type.
type LogLevel string

const (
	TraceLevel LogLevel = "trace"
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
	FatalLevel LogLevel = "fatal"
)

// Logger is a leveled, structured logger.
type Logger interface {
	WithFields(map[string]any) Logger
	Trace(args ...any)
	Tracef(format string, args ...any)
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	GetLevel() LogLevel
	IsLevelEnabled(level LogLevel) bool
}

var (
	defaultLogger Logger = NewLogger()
	mu            sync.RWMutex
)

// Default returns the current default logger.
func Default() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

type Options struct {
	Name   string
	Output io.Writer
	Format LogFormat
	Level  LogLevel
}

type Option func(opts *Options)

func NameOption(name string) Option {
	return func(opts *Options) {
		opts.Name = name
	}
}

func OutputOption(out io.Writer) Option {
	return func(opts *Options) {
		opts.Output = out
	}
}

func FormatOption(format LogFormat) Option {
	return func(opts *Options) {
		opts.Format = format
	}
}

func LevelOption(level LogLevel) Option {
	return func(opts *Options) {
		opts.Level = level
	}
}

type logrusLogger struct {
	logger *logrus.Entry
}

func NewLogger(opts ...Option) Logger {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	log := logrus.New()
	if options.Output != nil {
		log.SetOutput(options.Output)
	}

	switch options.Format {
	case TextFormat:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	default:
		log.SetFormatter(&logrus.JSONFormatter{
			DisableHTMLEscape: true,
			TimestampFormat:   "2006-01-02T15:04:05.000Z07:00",
		})
	}

	switch options.Level {
	case TraceLevel, DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel:
		lvl, _ := logrus.ParseLevel(string(options.Level))
		log.SetLevel(lvl)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	l := &logrusLogger{
		logger: logrus.NewEntry(log),
	}
	if options.Name != "" {
		l.logger = l.logger.WithField("logger", options.Name)
	}

	return l
}

// WithFields adds new fields to log.
func (l *logrusLogger) WithFields(fields map[string]any) Logger {
	return &logrusLogger{
		logger: l.logger.WithFields(logrus.Fields(fields)),
	}
}

func (l *logrusLogger) Trace(args ...any) {
	l.log(logrus.TraceLevel, args...)
}

func (l *logrusLogger) Tracef(format string, args ...any) {
	l.logf(logrus.TraceLevel, format, args...)
}

func (l *logrusLogger) Debug(args ...any) {
	l.log(logrus.DebugLevel, args...)
}

func (l *logrusLogger) Debugf(format string, args ...any) {
	l.logf(logrus.DebugLevel, format, args...)
}

func (l *logrusLogger) Info(args ...any) {
	l.log(logrus.InfoLevel, args...)
}

func (l *logrusLogger) Infof(format string, args ...any) {
	l.logf(logrus.InfoLevel, format, args...)
}

func (l *logrusLogger) Warn(args ...any) {
	l.log(logrus.WarnLevel, args...)
}

func (l *logrusLogger) Warnf(format string, args ...any) {
	l.logf(logrus.WarnLevel, format, args...)
}

func (l *logrusLogger) Error(args ...any) {
	l.log(logrus.ErrorLevel, args...)
}

func (l *logrusLogger) Errorf(format string, args ...any) {
	l.logf(logrus.ErrorLevel, format, args...)
}

func (l *logrusLogger) Fatal(args ...any) {
	l.log(logrus.FatalLevel, args...)
}

func (l *logrusLogger) Fatalf(format string, args ...any) {
	l.logf(logrus.FatalLevel, format, args...)
}

func (l *logrusLogger) GetLevel() LogLevel {
	return LogLevel(l.logger.Logger.GetLevel().String())
}

func (l *logrusLogger) IsLevelEnabled(level LogLevel) bool {
	lvl, err := logrus.ParseLevel(string(level))
	if err != nil {
		return false
	}
	return l.logger.Logger.IsLevelEnabled(lvl)
}

func (l *logrusLogger) log(level logrus.Level, args ...any) {
	l.logger.Log(level, args...)
}

func (l *logrusLogger) logf(level logrus.Level, format string, args ...any) {
	l.logger.Logf(level, format, args...)
}

type nopLogger struct{}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

func (nopLogger) WithFields(map[string]any) Logger   { return nopLogger{} }
func (nopLogger) Trace(...any)                       {}
func (nopLogger) Tracef(string, ...any)              {}
func (nopLogger) Debug(...any)                       {}
func (nopLogger) Debugf(string, ...any)              {}
func (nopLogger) Info(...any)                        {}
func (nopLogger) Infof(string, ...any)               {}
func (nopLogger) Warn(...any)                        {}
func (nopLogger) Warnf(string, ...any)               {}
func (nopLogger) Error(...any)                       {}
func (nopLogger) Errorf(string, ...any)              {}
func (nopLogger) Fatal(...any)                       {}
func (nopLogger) Fatalf(string, ...any)              {}
func (nopLogger) GetLevel() LogLevel                 { return "" }
func (nopLogger) IsLevelEnabled(level LogLevel) bool { return false }
