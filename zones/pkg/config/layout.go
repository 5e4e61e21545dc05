package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves the on-disk locations of every zone under one root directory.
type Layout struct {
	Root string
}

func (l Layout) DatasetInfoDir() string {
	return filepath.Join(l.Root, "dataset_info")
}

func (l Layout) PipelinePath(name string) string {
	return filepath.Join(l.DatasetInfoDir(), name+".json")
}

// LandingTemporalDir is the scratch directory for one download.
func (l Layout) LandingTemporalDir() string {
	return filepath.Join(l.Root, "landing", "temporal")
}

func (l Layout) LandingPersistentDir(dataset string) string {
	return filepath.Join(l.Root, "landing", "persistent", dataset)
}

func (l Layout) DataQualityPath() string {
	return filepath.Join(l.Root, "trusted", "data_quality.json")
}

func (l Layout) ExploitationTablesPath() string {
	return filepath.Join(l.Root, "exploitation", "tables.json")
}

// EnsureDirs creates the zone directories that do not exist yet.
func (l Layout) EnsureDirs() error {
	if l.Root == "" {
		return fmt.Errorf("layout root is required")
	}
	for _, dir := range []string{
		l.DatasetInfoDir(),
		filepath.Join(l.Root, "landing", "persistent"),
		filepath.Join(l.Root, "trusted"),
		filepath.Join(l.Root, "exploitation"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
