package store

import (
	"fmt"
	"os"
)

// ProfileEnvVar selects the profile when none is given explicitly.
const ProfileEnvVar = "STUDIOSYNC_PROFILE"

// DefaultProfile is used when neither an explicit profile nor the env var is set.
const DefaultProfile = "default"

// ResolveProfile determines the profile ID to use based on priority chain.
// Priority: explicit > STUDIOSYNC_PROFILE env > "default"
func ResolveProfile(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateProfileID(explicit); err != nil {
			return "", fmt.Errorf("invalid profile ID %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if envProfile := os.Getenv(ProfileEnvVar); envProfile != "" {
		if err := ValidateProfileID(envProfile); err != nil {
			return "", fmt.Errorf("invalid %s %q: %w", ProfileEnvVar, envProfile, err)
		}
		return envProfile, nil
	}

	return DefaultProfile, nil
}
