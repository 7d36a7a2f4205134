// Copyright 2026 The Mewgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// parseLevel maps a LoggerConfig.Level string onto a zapcore.Level,
// defaulting to info for anything unrecognized rather than aborting
// startup over a typo.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// NewConsoleLogger builds the human-readable logger used for the
// bootstrap messages printed before the gateway's own rotating file
// logger exists yet.
func NewConsoleLogger(cfg *LoggerConfig) *zap.Logger {
	ec := encoderConfig()
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoder := zapcore.NewConsoleEncoder(ec)
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), parseLevel(cfg.Level))
	return zap.New(core, zap.AddStacktrace(zap.ErrorLevel))
}

// NewLogger builds the gateway's operational log, rotated through
// lumberjack the same way the envelope history log (component J) is, so
// a long-lived node doesn't grow an unbounded log file. When
// LoggerConfig.Stdout is set the console logger is teed alongside it via
// NewMultiLogger.
func NewLogger(consoleLogger *zap.Logger, config Config) *zap.Logger {
	lc := config.GetLogger()

	logDir := filepath.Join(config.GetDataDir(), "log")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		consoleLogger.Fatal("Could not create log directory", zap.Error(err))
		return nil
	}

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(logDir, config.GetName()+".log"),
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
	})

	ec := encoderConfig()
	ec.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoder := zapcore.NewJSONEncoder(ec)
	core := zapcore.NewCore(encoder, writer, parseLevel(lc.Level))
	fileLogger := zap.New(core, zap.AddStacktrace(zap.ErrorLevel)).With(zap.String("server", config.GetName()))

	if lc.Stdout {
		return NewMultiLogger(consoleLogger, fileLogger)
	}
	return fileLogger
}

// NewMultiLogger tees writes to every logger's underlying core, used to
// echo the gateway's file log to the console when configured to do so.
func NewMultiLogger(loggers ...*zap.Logger) *zap.Logger {
	cores := make([]zapcore.Core, 0, len(loggers))
	for _, logger := range loggers {
		cores = append(cores, logger.Core())
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))
}
