package kadtest

import (
	"io"

	"golang.org/x/exp/slog"
)

// DiscardLogger returns a logger that drops everything. Use it to keep the
// output of noisy tests readable.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
