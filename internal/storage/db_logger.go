package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	customlogger "ephemeral-bot/internal/logger"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// CustomGormLogger 将 GORM 的日志转发到应用日志
type CustomGormLogger struct {
	LogLevel      gormlogger.LogLevel
	SlowThreshold time.Duration
}

// NewCustomGormLogger maps an application level name onto a gorm level.
// SQL traces are only emitted when the application logs at DEBUG.
func NewCustomGormLogger(level string) gormlogger.Interface {
	var logLevel gormlogger.LogLevel

	switch strings.ToUpper(level) {
	case "SILENT":
		logLevel = gormlogger.Silent
	case "DEBUG", "INFO":
		logLevel = gormlogger.Info
	case "ERROR", "FATAL":
		logLevel = gormlogger.Error
	default:
		logLevel = gormlogger.Warn
	}

	return &CustomGormLogger{
		LogLevel:      logLevel,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// LogMode 设置日志级别
func (l *CustomGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *CustomGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Info {
		customlogger.Infof(msg, data...)
	}
}

func (l *CustomGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Warn {
		customlogger.Warningf(msg, data...)
	}
}

func (l *CustomGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Error {
		customlogger.Errorf(msg, data...)
	}
}

// Trace 记录SQL执行情况
func (l *CustomGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	ms := float64(elapsed.Nanoseconds()) / 1e6
	sql, rows := fc()
	source := utils.FileWithLineNum()

	switch {
	case err != nil && l.LogLevel >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		customlogger.Errorf("[%.3fms] [%s] %s; error=%v", ms, source, sql, err)
	case l.SlowThreshold != 0 && elapsed > l.SlowThreshold && l.LogLevel >= gormlogger.Warn:
		customlogger.Warningf("[%.3fms] [%s] %s; %s, rows=%v", ms, source, sql, fmt.Sprintf("SLOW SQL >= %v", l.SlowThreshold), rows)
	case l.LogLevel == gormlogger.Info:
		customlogger.Debugf("[%.3fms] [%s] %s; rows=%v", ms, source, sql, rows)
	}
}
