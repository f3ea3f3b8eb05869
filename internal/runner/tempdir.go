package runner

import (
	"log/slog"
	"os"
	"path/filepath"
)

// sweepTempDir best-effort removes every leftover job workspace file under
// tempDir on shutdown. Files in TEMP_DIR are ephemeral;
// the directory itself is recreated on the next startup.
func sweepTempDir(tempDir string, logger *slog.Logger) {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		logger.Warn("temp dir sweep: read failed", slog.String("temp_dir", tempDir), slog.Any("error", err))
		return
	}
	for _, entry := range entries {
		path := filepath.Join(tempDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("temp dir sweep: remove failed", slog.String("path", path), slog.Any("error", err))
		}
	}
}
