package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"
)

// StyledLogger wraps slog.Logger with endpoint-aware helpers so call sites
// read cleanly in the dispatch path.
type StyledLogger struct {
	logger *slog.Logger
}

func NewStyledLogger(logger *slog.Logger) *StyledLogger {
	return &StyledLogger{logger: logger}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *StyledLogger) InfoWithEndpoint(msg string, endpoint string, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Cyan(endpoint))
	sl.logger.Info(styled, args...)
}

func (sl *StyledLogger) WarnWithEndpoint(msg string, endpoint string, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Cyan(endpoint))
	sl.logger.Warn(styled, args...)
}

func (sl *StyledLogger) ErrorWithEndpoint(msg string, endpoint string, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Cyan(endpoint))
	sl.logger.Error(styled, args...)
}

func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

func (sl *StyledLogger) WithRequestID(requestID string) *StyledLogger {
	return sl.With("request_id", requestID)
}

func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{logger: sl.logger.With(args...)}
}
