package logx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// AsynqLogger routes asynq server and scheduler output through a Logger.
type AsynqLogger struct {
	L Logger
}

func (a AsynqLogger) emit(level slog.Level, event string, args []any) {
	a.L.log(context.Background(), level, event, fmt.Sprint(args...), nil)
}

func (a AsynqLogger) Debug(args ...any) { a.emit(slog.LevelDebug, "asynq", args) }
func (a AsynqLogger) Info(args ...any)  { a.emit(slog.LevelInfo, "asynq", args) }
func (a AsynqLogger) Warn(args ...any)  { a.emit(slog.LevelWarn, "asynq", args) }
func (a AsynqLogger) Error(args ...any) { a.emit(slog.LevelError, "asynq", args) }

func (a AsynqLogger) Fatal(args ...any) {
	a.emit(slog.LevelError, "asynq_fatal", args)
	os.Exit(1)
}

// PrintLogger adapts a Logger to the Println/Printf interface paho expects
// for its package-level ERROR, CRITICAL and WARN loggers.
type PrintLogger struct {
	L     Logger
	Event string
	Level slog.Level
}

func (p PrintLogger) Println(v ...any) {
	p.L.log(context.Background(), p.Level, p.Event, strings.TrimSpace(fmt.Sprintln(v...)), nil)
}

func (p PrintLogger) Printf(format string, v ...any) {
	p.L.log(context.Background(), p.Level, p.Event, strings.TrimSpace(fmt.Sprintf(format, v...)), nil)
}
