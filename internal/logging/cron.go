package logging

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronLogger adapts a zap logger to cron.Logger.
type CronLogger struct {
	sugar *zap.SugaredLogger
}

var _ cron.Logger = CronLogger{}

func NewCronLogger(l *zap.Logger) CronLogger {
	return CronLogger{sugar: OrNop(l).Sugar()}
}

// Info is demoted to debug; cron reports every wake-up at info.
func (c CronLogger) Info(msg string, keysAndValues ...any) {
	c.sugar.Debugw(msg, keysAndValues...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
