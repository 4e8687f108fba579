package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormZapLogger は台帳テーブルへの SQL を zap に流す gorm 用ロガーです
type GormZapLogger struct {
	ZapLogger *zap.Logger
	Config    gormlogger.Config
}

func NewGormZapLogger(zapLogger *zap.Logger, config gormlogger.Config) gormlogger.Interface {
	return &GormZapLogger{
		ZapLogger: zapLogger,
		Config:    config,
	}
}

func (l *GormZapLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.Config.LogLevel = level
	return &newLogger
}

func (l GormZapLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.printf(gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l GormZapLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.printf(gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l GormZapLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.printf(gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l GormZapLogger) printf(threshold gormlogger.LogLevel, lvl zapcore.Level, msg string, data []interface{}) {
	if l.Config.LogLevel < threshold {
		return
	}
	if ce := l.ZapLogger.Check(lvl, fmt.Sprintf(msg, data...)); ce != nil {
		ce.Write()
	}
}

// Trace は1クエリごとに呼ばれ、スロークエリとエラーを区別して出力します
func (l GormZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.Config.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
	}

	failed := err != nil && !(l.Config.IgnoreRecordNotFoundError && errors.Is(err, gorm.ErrRecordNotFound))
	switch {
	case failed:
		l.ZapLogger.Error("台帳クエリでエラーが発生しました", append(fields, zap.Error(err))...)
	case l.Config.SlowThreshold != 0 && elapsed > l.Config.SlowThreshold:
		l.ZapLogger.Warn("台帳クエリが遅延しています", fields...)
	default:
		l.ZapLogger.Debug("台帳クエリを実行しました", fields...)
	}
}
