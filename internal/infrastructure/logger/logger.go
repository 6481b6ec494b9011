package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志配置
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// levelHandle 进程内唯一的日志级别句柄，配置热加载时调整
var levelHandle *zap.AtomicLevel

// NewLogger 创建新的日志实例
func NewLogger(cfg Config) (*zap.Logger, error) {
	// 解析日志级别
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if cfg.OutputPath == "" {
		cfg.OutputPath = "stdout"
	}

	// Level 用 AtomicLevel 以支持运行时热调级
	atomic := zap.NewAtomicLevelAt(level)
	config := zap.Config{
		Level:            atomic,
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{cfg.OutputPath},
		ErrorOutputPaths: []string{"stderr"},
	}

	log, err := config.Build()
	if err != nil {
		return nil, err
	}
	levelHandle = &atomic
	return log, nil
}

// SetLevel 运行时调整日志级别（配置热加载路径调用）
func SetLevel(level string) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil || levelHandle == nil {
		return
	}
	levelHandle.SetLevel(parsed)
}
