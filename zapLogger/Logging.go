package zapLogger

import (
	"io"
	"os"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once sync.Once
	Log  = zap.NewNop().Sugar()
)

// Options selects the log level and the file the console output is teed to.
// An empty File logs to stdout only.
type Options struct {
	Level string
	File  string
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zap.InfoLevel
	}
	return l
}

// Init initializes zap logger and returns the opened log file handle, nil
// when no file is configured.
func Init(opts Options) *os.File {
	var logFile *os.File
	once.Do(func() {
		writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
		if opts.File != "" {
			var err error
			logFile, err = os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				panic("cannot open log file: " + err.Error())
			}
			writers = append(writers, zapcore.AddSync(logFile))
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.TimeKey = "timestamp"
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.NewMultiWriteSyncer(writers...),
			parseLevel(opts.Level),
		)

		Log = zap.New(core, zap.AddCaller()).Sugar()
	})
	return logFile
}

// FiberLoggingMiddleware returns Fiber's built-in logger middleware writing
// access logs to stdout and, when given, logFile.
func FiberLoggingMiddleware(logFile *os.File) fiber.Handler {
	var out io.Writer = os.Stdout
	if logFile != nil {
		out = io.MultiWriter(os.Stdout, logFile)
	}
	return logger.New(logger.Config{
		Output:     out,
		Format:     "${time} | ${locals:requestid} | ${status} | ${method} | ${path} | ${latency}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "UTC",
	})
}
