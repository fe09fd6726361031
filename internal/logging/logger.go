package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	console "github.com/phsym/console-slog"
)

var (
	Logger *slog.Logger
	level  = new(slog.LevelVar) // dynamic level, see SetLevel
)

func init() {
	Logger = slog.New(newHandler(os.Stdout, os.Getenv("LOG_FORMAT")))
}

// Init re-reads LOG_FORMAT and LOG_LEVEL. Call it once from main before
// anything else logs.
func Init() {
	SetLevel(os.Getenv("LOG_LEVEL"))
	Logger = slog.New(newHandler(os.Stdout, os.Getenv("LOG_FORMAT")))
	slog.SetDefault(Logger)
}

func newHandler(w io.Writer, format string) slog.Handler {
	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "console":
		return console.NewHandler(w, &console.HandlerOptions{Level: level, AddSource: true})
	default:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
}

func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Shortcut helpers. They look Logger up at call time so Init can swap it.
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

func With(args ...any) *slog.Logger { return Logger.With(args...) }

// WrapSlog returns a *log.Logger that forwards each line to slog at debug
// level. goburrow/modbus only knows *log.Logger.
func WrapSlog(args ...any) *log.Logger {
	return log.New(&slogWriter{logger: Logger.With(args...)}, "", 0)
}

type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Debug(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
