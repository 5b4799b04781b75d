package main

import (
	"context"
	"strings"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "jobschedd",
		Short:         "Priority-tiered background job scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("server", "http://localhost:8080", "scheduler API base URL for client commands")

	cmd.AddCommand(newRunCmd(), newSubmitCmd(), newStatusCmd())
	return cmd
}

func newLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// zapLogger hands the daemon's zap logger to code that logs through
// zlog contexts.
type zapLogger struct{ l *zap.Logger }

var _ lg.ZLogger = zapLogger{}

func (z zapLogger) Info(msg string, fields ...lg.Field)  { z.l.Info(msg, fields...) }
func (z zapLogger) Warn(msg string, fields ...lg.Field)  { z.l.Warn(msg, fields...) }
func (z zapLogger) Error(msg string, fields ...lg.Field) { z.l.Error(msg, fields...) }
func (z zapLogger) Debug(msg string, fields ...lg.Field) { z.l.Debug(msg, fields...) }
func (z zapLogger) With(fields ...lg.Field) lg.ZLogger   { return zapLogger{z.l.With(fields...)} }
func (z zapLogger) Sync() error                          { return z.l.Sync() }

// withLogger attaches logger to ctx for lg.FromContext.
func withLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return lg.Attach(ctx, zapLogger{l: logger})
}
