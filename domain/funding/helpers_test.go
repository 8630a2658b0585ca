package funding

import (
	"io"
	"log/slog"
)

// discardLogger returns a logger that writes nowhere, for tests that
// exercise logging call sites without asserting on log output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
