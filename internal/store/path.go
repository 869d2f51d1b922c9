package store

import (
	"os"
	"path/filepath"
	"strings"
)

// HomeEnvVar overrides the studiosync home directory.
const HomeEnvVar = "STUDIOSYNC_HOME"

// DefaultProfileRoot returns the root directory for all profiles.
// Uses $STUDIOSYNC_HOME/profiles when set, otherwise ~/.studiosync/profiles,
// falling back to ./.studiosync/profiles if home dir unavailable.
func DefaultProfileRoot() string {
	if dir := os.Getenv(HomeEnvVar); dir != "" {
		return filepath.Join(dir, "profiles")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".studiosync", "profiles")
	}
	return filepath.Join(home, ".studiosync", "profiles")
}

// EncodeProfilePath encodes a profile ID for filesystem use.
// Replaces "/" with "__" for studio/location profile IDs.
func EncodeProfilePath(profileID string) string {
	return strings.ReplaceAll(profileID, "/", "__")
}

// DecodeProfilePath decodes an encoded profile path back to a profile ID.
func DecodeProfilePath(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// ProfileDBPath returns the full path to a profile's cache database.
// Example: ProfileDBPath("lumen/downtown") -> ~/.studiosync/profiles/lumen__downtown/cache.db
func ProfileDBPath(profileID string) string {
	return filepath.Join(DefaultProfileRoot(), EncodeProfilePath(profileID), "cache.db")
}
