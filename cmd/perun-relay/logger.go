package main

import (
	"log/slog"
	"os"

	"github.com/perun-emu/perun/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "perun-relay")
	logging.Set(l)
	return l
}
