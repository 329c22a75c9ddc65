// Package paths resolves the on-disk locations swarm uses for its data.
package paths

import (
	"os"
	"path/filepath"
)

// EnvDataDir overrides the data directory when set.
const EnvDataDir = "SWARM_DATA_DIR"

// DataDir returns the root data directory. Resolution order:
// $SWARM_DATA_DIR, $XDG_DATA_HOME/swarm, ~/.swarm.
func DataDir() (string, error) {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "swarm"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".swarm"), nil
}

// ConfigCandidates lists config files in lookup order under dir.
func ConfigCandidates(dir string) []string {
	return []string{
		filepath.Join(dir, "config.yml"),
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.toml"),
	}
}

// LogDir is where log files are written.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogFile is the main log file.
func LogFile(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "swarm.log")
}

// StreamDB is the SQLite database that holds session output.
func StreamDB(dataDir string) string {
	return filepath.Join(dataDir, "output.db")
}

// RegistryFile is the append-only session lifecycle log.
func RegistryFile(dataDir string) string {
	return filepath.Join(dataDir, "registry.jsonl")
}

// EnsureDir creates dir (and parents) if missing.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
