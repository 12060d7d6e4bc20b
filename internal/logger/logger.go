package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"ephemeral-bot/internal/config"
)

// Level is a log severity, ordered from most to least verbose.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	}
	return "UNKNOWN"
}

// ParseLevel maps a configured level name, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarning
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	}
	return LevelInfo
}

const (
	defaultFormat     = "[%{level}] %{time} %{file}:%{line}: %{message}"
	defaultTimeFormat = "2006/01/02 15:04:05"
)

type state struct {
	mu         sync.Mutex
	out        io.Writer
	level      Level
	format     string
	timeFormat string
	location   *time.Location
}

var std = &state{
	out:        os.Stdout,
	level:      LevelInfo,
	format:     defaultFormat,
	timeFormat: defaultTimeFormat,
	location:   time.Local,
}

// createLogFilePath generates a log file path with the current date
func createLogFilePath(logDir, prefix string) string {
	currentDate := time.Now().Format("2006-01-02")
	return filepath.Join(logDir, fmt.Sprintf("%s-%s.log", prefix, currentDate))
}

// createRotatingLogger creates a lumberjack rotating logger
func createRotatingLogger(logFilePath string, cfg *config.Config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    cfg.Logger.Rotation.MaxSize,
		MaxBackups: cfg.Logger.Rotation.MaxBackups,
		MaxAge:     cfg.Logger.Rotation.MaxAge,
		Compress:   cfg.Logger.Rotation.Compress,
	}
}

// createMultiWriter creates a writer that outputs to both stdout and log file
func createMultiWriter(rotatingLogger io.Writer) io.Writer {
	return io.MultiWriter(os.Stdout, rotatingLogger)
}

// Setup configures logging to output to both stdout and a rotating log file
func Setup(cfg *config.Config) error {
	logDir := cfg.Logger.Directory

	// Create log directory if it doesn't exist
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFilePath := createLogFilePath(logDir, "ephemeral")
	multiWriter := createMultiWriter(createRotatingLogger(logFilePath, cfg))

	loc, err := loadLocation(cfg.Logger.Timezone)
	if err != nil {
		return err
	}

	Configure(multiWriter, ParseLevel(cfg.Logger.Level), cfg.Logger.Format, cfg.Logger.TimeFormat, loc)

	// libraries logging through the standard logger end up in the same file
	log.SetOutput(multiWriter)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	Infof("Logging initialized: writing to %s", logFilePath)
	return nil
}

// Configure replaces the output and formatting of the package logger.
// Empty format strings and a nil location keep the defaults.
func Configure(out io.Writer, level Level, format, timeFormat string, loc *time.Location) {
	std.mu.Lock()
	defer std.mu.Unlock()

	std.out = out
	std.level = level
	std.format = defaultFormat
	if format != "" {
		std.format = format
	}
	std.timeFormat = defaultTimeFormat
	if timeFormat != "" {
		std.timeFormat = timeFormat
	}
	std.location = time.Local
	if loc != nil {
		std.location = loc
	}
}

// SetOutput redirects log output, mostly useful in tests.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.out = w
}

// SetLevel changes the minimum level that gets written.
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.level
}

// GetRotatingLogWriter returns a rotating log writer for custom loggers
func GetRotatingLogWriter(cfg *config.Config, prefix string) io.Writer {
	logFilePath := createLogFilePath(cfg.Logger.Directory, prefix)
	rotatingLogger := createRotatingLogger(logFilePath, cfg)
	return createMultiWriter(rotatingLogger)
}

func loadLocation(name string) (*time.Location, error) {
	switch name {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid logger timezone %q: %w", name, err)
	}
	return loc, nil
}

func output(level Level, msg string) {
	std.mu.Lock()
	defer std.mu.Unlock()

	if level < std.level {
		return
	}

	// output <- Infof <- caller
	file, line := "???", 0
	if _, f, l, ok := runtime.Caller(3); ok {
		file, line = filepath.Base(f), l
	}

	r := strings.NewReplacer(
		"%{level}", level.String(),
		"%{time}", time.Now().In(std.location).Format(std.timeFormat),
		"%{file}", file,
		"%{line}", strconv.Itoa(line),
		"%{message}", strings.TrimRight(msg, "\n"),
	)
	io.WriteString(std.out, r.Replace(std.format)+"\n")
}

func logf(level Level, format string, args ...interface{}) {
	output(level, fmt.Sprintf(format, args...))
}

func logln(level Level, args ...interface{}) {
	output(level, fmt.Sprint(args...))
}

func Debugf(format string, args ...interface{})   { logf(LevelDebug, format, args...) }
func Infof(format string, args ...interface{})    { logf(LevelInfo, format, args...) }
func Warningf(format string, args ...interface{}) { logf(LevelWarning, format, args...) }
func Errorf(format string, args ...interface{})   { logf(LevelError, format, args...) }

func Debug(args ...interface{})   { logln(LevelDebug, args...) }
func Info(args ...interface{})    { logln(LevelInfo, args...) }
func Warning(args ...interface{}) { logln(LevelWarning, args...) }
func Error(args ...interface{})   { logln(LevelError, args...) }

// Fatalf logs at FATAL and exits the process.
func Fatalf(format string, args ...interface{}) {
	logf(LevelFatal, format, args...)
	os.Exit(1)
}

func Fatal(args ...interface{}) {
	logln(LevelFatal, args...)
	os.Exit(1)
}
