package mxvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
)

var quietNewDB = testing.Testing()

// RegisterLogger returns the logger to pass as bstore.Options.RegisterLogger.
//
// During tests, nil is returned for database files that do not exist yet:
// registering types in a fresh database is not interesting.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !quietNewDB {
		return log
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
