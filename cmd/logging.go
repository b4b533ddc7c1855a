package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// openLog creates <log-directory>/<unix seconds>.log. With --verbose the log
// is mirrored to stderr. An unwritable log directory disables the file log
// without failing the command.
func openLog(started time.Time) (*slog.Logger, func()) {
	var writers []io.Writer
	closeFn := func() {}

	path := filepath.Join(logDirectory, fmt.Sprintf("%d.log", started.Unix()))
	if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		writers = append(writers, f)
		closeFn = func() { f.Close() }
	}
	if verbose {
		writers = append(writers, os.Stderr)
	}

	if len(writers) == 0 {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), closeFn
	}
	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler)
	logger.Info("logging started", "path", path, "verbose", verbose)
	return logger, closeFn
}
