// Package ratelog periodically logs the proxy's request rate, using
// paulbellamy/ratecounter's sliding window counter.
package ratelog

import (
	"context"
	"log/slog"
	"time"

	"github.com/paulbellamy/ratecounter"
)

// Logger counts requests completed within a sliding window and logs that
// count periodically.
type Logger struct {
	counter  *ratecounter.RateCounter
	interval time.Duration
	logger   *slog.Logger
}

// New returns a Logger with a window and log interval of window (10s when
// zero), logging at logger.Info.
func New(window time.Duration, logger *slog.Logger) *Logger {
	if window == 0 {
		window = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		counter:  ratecounter.NewRateCounter(window),
		interval: window,
		logger:   logger,
	}
}

// Incr records one completed request.
func (l *Logger) Incr() {
	l.counter.Incr(1)
}

// Run logs the current rate every interval until ctx is done.
func (l *Logger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.logger.Info("request rate", slog.Int64("per_window", l.counter.Rate()), slog.Duration("window", l.interval))
		}
	}
}
