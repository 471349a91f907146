package cli

import (
	"io"
	"log/slog"

	"github.com/roach88/lockstep/internal/config"
)

// newLogger builds the text logger every command uses. --verbose forces
// debug; otherwise level names the minimum level ("info" when empty).
func newLogger(w io.Writer, verbose bool, level string) (*slog.Logger, error) {
	logLevel := slog.LevelInfo
	if level != "" {
		parsed, err := config.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		logLevel = parsed
	}
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler), nil
}
