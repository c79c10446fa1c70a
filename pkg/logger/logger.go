// Package logger builds the slog logger the commands share.
package logger

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New returns a tinted stdout logger at info level, or debug when verbose.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
	}))
}
