// Package logging builds the zap loggers used across the rover.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects log level and destinations.
type Config struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	// File enables a size-rotated JSON log file in addition to the console.
	File string `json:"file,omitempty" yaml:"file,omitempty"`
	// JSON switches the console encoder from human-readable to JSON.
	JSON       bool `json:"json,omitempty" yaml:"json,omitempty"`
	MaxSizeMB  int  `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int  `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
}

// New creates a logger from cfg. With console set to false nothing is written
// to stderr, which keeps a full-screen monitor intact.
func New(cfg Config, console bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = lvl
	}

	var cores []zapcore.Core

	if console {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc := zapcore.NewConsoleEncoder(encCfg)
		if cfg.JSON {
			enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
	}

	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		backups := cfg.MaxBackups
		if backups <= 0 {
			backups = 3
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: backups,
			Compress:   true,
		}
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), level))
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}
