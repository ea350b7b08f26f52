package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// scratchPrefix names every per-run temp dir so leftovers can be found.
const scratchPrefix = "jssandbox-"

// orphanAge is how old a scratch dir must be before it is treated as
// abandoned. It is well above MaxExecutionTimeMS.
const orphanAge = 10 * time.Minute

func scratchRoot(dir string) string {
	if dir == "" {
		return os.TempDir()
	}
	return dir
}

// CleanupOrphaned removes scratch dirs left over from runs that crashed
// before their deferred cleanup ran.
func (e *Executor) CleanupOrphaned() (int, error) {
	return cleanupScratch(scratchRoot(e.scratchDir), time.Now().Add(-orphanAge))
}

func cleanupScratch(root string, olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, err
	}

	var cleaned int
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, scratchPrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(olderThan) {
			continue
		}

		logger := log.With().Str("dir", name).Logger()
		logger.Info().Msg("cleaning up orphaned scratch dir")

		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			logger.Error().Err(err).Msg("failed to clean orphaned scratch dir")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned up orphaned scratch dirs")
	}

	return cleaned, nil
}
