package zonestesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/zones/utils/pkg/logger"
)

// NewLogger returns the logger tests hand to the code under test. Only errors are shown unless DEBUG
// is 1 (info) or 2 (debug).
func NewLogger() *slog.Logger {
	level := slog.LevelError
	switch os.Getenv("DEBUG") {
	case "1":
		level = slog.LevelInfo
	case "2":
		level = slog.LevelDebug
	}
	return logger.NewWithLevel(os.Stderr, level)
}
