package logger

import (
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig controls log level, file output and rotation.
type LogConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Filename   string `env:"LOG_FILE"`
	MaxSize    int    `env:"LOG_MAX_SIZE"`
	MaxAge     int    `env:"LOG_MAX_AGE"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS"`
	Daily      bool   `env:"LOG_DAILY"`
}

var (
	Lg *zap.Logger
)

// Init builds the global logger. In dev mode logs additionally go to the
// terminal with a colored console encoder; errors are split to stderr.
func Init(cfg *LogConfig, mode string) (err error) {
	writeSyncer := getLogWriter(cfg.Filename, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge, cfg.Daily)
	encoder := getEncoder()
	var l = new(zapcore.Level)
	err = l.UnmarshalText([]byte(cfg.Level))
	if err != nil {
		return
	}
	var core zapcore.Core
	if mode == "dev" || mode == "development" {
		consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()
		consoleEncoderConfig.TimeKey = "time"
		consoleEncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("\x1b[90m" + t.Format("2006-01-02 15:04:05.000") + "\x1b[0m")
		}
		consoleEncoderConfig.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			var levelColor = map[zapcore.Level]string{
				zapcore.DebugLevel: "\x1b[35m",
				zapcore.InfoLevel:  "\x1b[36m",
				zapcore.WarnLevel:  "\x1b[33m",
				zapcore.ErrorLevel: "\x1b[31m",
				zapcore.PanicLevel: "\x1b[31m",
				zapcore.FatalLevel: "\x1b[31m",
			}
			color, ok := levelColor[l]
			if !ok {
				color = "\x1b[0m"
			}
			enc.AppendString(color + "[" + l.CapitalString() + "]\x1b[0m")
		}
		consoleEncoderConfig.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("\x1b[90m" + caller.TrimmedPath() + "\x1b[0m")
		}
		consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)

		highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= zapcore.ErrorLevel
		})
		lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl < zapcore.ErrorLevel
		})

		core = zapcore.NewTee(
			zapcore.NewCore(encoder, writeSyncer, l),
			zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), lowPriority),
			zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), highPriority),
		)
	} else {
		core = zapcore.NewCore(encoder, writeSyncer, l)
	}

	Lg = zap.New(core, zap.AddCaller())

	zap.ReplaceGlobals(Lg)

	Info("init logger success")
	return
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

func getLogWriter(filename string, maxSize, maxBackup, maxAge int, daily bool) zapcore.WriteSyncer {
	if daily {
		filename = GetDailyLogFilename(filename)
	}

	lumberJackLogger := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSize,
		MaxBackups: maxBackup,
		MaxAge:     maxAge,
		LocalTime:  true,
	}
	return zapcore.AddSync(lumberJackLogger)
}

// Info logs at info level with the global logger.
func Info(msg string, fields ...zap.Field) {
	Lg.Info(msg, fields...)
}

// Warn logs at warn level with the global logger.
func Warn(msg string, fields ...zap.Field) {
	Lg.Warn(msg, fields...)
}

// Error logs at error level with the global logger.
func Error(msg string, fields ...zap.Field) {
	Lg.Error(msg, fields...)
}

// Debug logs at debug level with the global logger.
func Debug(msg string, fields ...zap.Field) {
	Lg.Debug(msg, fields...)
}

// Fatal logs at fatal level with the global logger.
func Fatal(msg string, fields ...zap.Field) {
	Lg.Fatal(msg, fields...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Lg.Sync()
}

// GetDailyLogFilename appends the current date to the base filename.
func GetDailyLogFilename(baseFilename string) string {
	ext := filepath.Ext(baseFilename)
	base := baseFilename[:len(baseFilename)-len(ext)]
	dateStr := time.Now().Format("2006-01-02")
	return base + "-" + dateStr + ext
}
