package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

var (
	mu         sync.RWMutex
	logger     zerolog.Logger
	loggerOnce sync.Once
)

// initLogger installs a console logger on stderr unless Init ran first.
func initLogger() {
	loggerOnce.Do(func() {
		mu.Lock()
		logger = newLogger(Config{Level: LevelInfo})
		mu.Unlock()
	})
}

// Init replaces the global logger. It may be called more than once, e.g. after
// the config file has been loaded.
func Init(cfg Config) {
	loggerOnce.Do(func() {})
	mu.Lock()
	logger = newLogger(cfg)
	mu.Unlock()
}

func newLogger(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var l zerolog.Logger
	if cfg.JSONOutput {
		l = zerolog.New(output)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339Nano,
		})
	}
	return l.Level(toZerolog(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel maps a config string ("debug", "info", ...) to a Level.
// Unknown values yield LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	logger = logger.Level(toZerolog(l))
	mu.Unlock()
}

// WithComponent returns a child logger tagged with a component field, for
// packages that want to hold their own logger.
func WithComponent(component string) zerolog.Logger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return logger.With().Str("component", component).Logger()
}

func Debug(msg string, kv ...any) {
	initLogger()
	mu.RLock()
	ev := logger.Debug()
	mu.RUnlock()
	emit(ev, msg, kv)
}

func Info(msg string, kv ...any) {
	initLogger()
	mu.RLock()
	ev := logger.Info()
	mu.RUnlock()
	emit(ev, msg, kv)
}

func Warn(msg string, kv ...any) {
	initLogger()
	mu.RLock()
	ev := logger.Warn()
	mu.RUnlock()
	emit(ev, msg, kv)
}

func Error(msg string, err error, kv ...any) {
	initLogger()
	mu.RLock()
	ev := logger.Error()
	mu.RUnlock()
	emit(ev.Err(err), msg, kv)
}

// emit attaches key/value pairs and writes the event. A disabled level yields
// a nil event, on which every zerolog method is a no-op.
func emit(ev *zerolog.Event, msg string, kv []any) {
	if len(kv) > 0 {
		// If odd number of args, last one is ignored.
		if len(kv)%2 == 1 {
			kv = kv[:len(kv)-1]
		}
		ev = ev.Fields(kv)
	}
	ev.Msg(msg)
}
