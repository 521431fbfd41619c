package logger

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 全局日志器，基于zap，支持文件滚动和控制台输出
var lg *zap.Logger

type Config struct {
	Level      string // debug/info/warn/error
	FileName   string // 日志文件路径，为空则只输出到控制台
	MaxSize    int    // 单个文件最大MB
	MaxBackups int
	MaxAge     int // 保留天数
	Compress   bool
	Console    bool // 是否同时输出到控制台
}

func init() {
	// 未调用Init前使用默认控制台日志，保证测试环境可用
	lg, _ = zap.NewDevelopment(zap.AddCallerSkip(1))
}

// Init 初始化全局日志器
func Init(cfg Config) {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var cores []zapcore.Core
	if cfg.FileName != "" {
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FileName,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(encoder, writer, level))
	}
	if cfg.Console || cfg.FileName == "" {
		consoleEnc := zap.NewDevelopmentEncoderConfig()
		consoleEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleEnc),
			zapcore.AddSync(os.Stdout),
			level,
		))
	}

	lg = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

// Pair 构造一个日志键值对
func Pair(key string, value interface{}) zap.Field {
	return zap.Any(key, value)
}

func Debug(msg string, fields ...zap.Field) {
	lg.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	lg.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	lg.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	lg.Error(msg, fields...)
}

// Fatal 记录后退出进程，只用于启动失败等不可恢复场景
func Fatal(msg string, fields ...zap.Field) {
	lg.Fatal(msg, fields...)
}

// Sync 刷新缓冲区，进程退出前调用
func Sync() {
	_ = lg.Sync()
}
