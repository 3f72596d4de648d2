// Package pathing centralises the on-disk locations the energy core
// reads and writes, following the same init()-creates-directories idiom
// as the teacher's original pkg/pathing.
package pathing

import (
	"log"
	"os"
	"path/filepath"
)

var (
	storagePath  = "/var/lib/nymea-energycore"
	settingsPath = "/etc/nymea-energycore"
)

// Ensure directories exist on startup
func init() {
	dirs := []string{storagePath, settingsPath}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				log.Printf("pathing: could not create %s: %v", dir, err)
			}
		}
	}
}

// SetStoragePath overrides the storage root, e.g. for tests. Must be
// called before anything opens the archive.
func SetStoragePath(path string) {
	storagePath = path
	if err := os.MkdirAll(storagePath, 0755); err != nil {
		log.Printf("pathing: could not create %s: %v", storagePath, err)
	}
}

// SetSettingsPath overrides the settings root, e.g. for tests.
func SetSettingsPath(path string) {
	settingsPath = path
	if err := os.MkdirAll(settingsPath, 0755); err != nil {
		log.Printf("pathing: could not create %s: %v", settingsPath, err)
	}
}

// GetStoragePath returns the directory durable data is kept in.
func GetStoragePath() string {
	return storagePath
}

// GetSettingsPath returns the directory configuration files are kept in.
func GetSettingsPath() string {
	return settingsPath
}

// GetArchivePath returns the path to the energy log database, per
// spec.md §6.
func GetArchivePath() string {
	return filepath.Join(storagePath, "energylogs.sqlite")
}

// GetConfigPath returns the path to the energy.conf settings file.
func GetConfigPath() string {
	return filepath.Join(settingsPath, "energy.conf")
}
