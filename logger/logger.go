package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// LogLevel は実行中に変更可能なログレベルです
	LogLevel = zap.NewAtomicLevel()
	// Logger はサービス全体で共有するロガーです
	Logger *zap.Logger
)

func init() {
	var err error
	Logger, err = newCloudRunConfig().Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(Logger)
}

// newCloudRunConfig は Cloud Logging が構造化ログとして取り込める形式の設定を返します。
// Cloud Run は stdout を収集するため出力先は stdout のみです。
func newCloudRunConfig() zap.Config {
	config := zap.NewProductionConfig()
	config.Level = LogLevel
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig = zapcore.EncoderConfig{
		MessageKey:     "message",
		LevelKey:       "severity",
		TimeKey:        "time",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	return config
}

// Operation は操作名と追加フィールドをまとめたフィールド列を返します
func Operation(name string, fields ...zap.Field) []zap.Field {
	return append([]zap.Field{zap.String("operation", name)}, fields...)
}
