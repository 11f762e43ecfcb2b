package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/sergeospb/warcproxy/internal/config"
)

// newLogger builds the process-wide structured logger per cfg, returning a
// close func that flushes/closes the log file (a no-op when logging to
// stderr). Preserved from the original proxy's file-based ambient logging
// (open.py's logging.basicConfig), reworked onto log/slog handlers.
func newLogger(cfg config.Config) (*slog.Logger, func(), error) {
	var (
		out     io.Writer = os.Stderr
		closeFn           = func() {}
	)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closeFn = func() { f.Close() }
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, nil)
	} else {
		handler = slog.NewTextHandler(out, nil)
	}

	return slog.New(handler), closeFn, nil
}
