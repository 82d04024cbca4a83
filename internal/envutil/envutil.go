package envutil

import "os"

// Get retrieves an environment variable with automatic SYNCBOARD_ prefix fallback.
// It checks for the environment variable in this order:
// 1. Exact key as provided
// 2. Key with SYNCBOARD_ prefix
// 3. Returns fallback if neither exists
//
// This supports both PaaS-style (SYNCBOARD_ prefixed) and local dev (unprefixed) configurations.
func Get(key, fallback string) string {
	// Try exact key first (supports both prefixed and unprefixed)
	if value, exists := os.LookupEnv(key); exists {
		return value
	}

	// Try with SYNCBOARD_ prefix if not already prefixed
	if len(key) < 10 || key[:10] != "SYNCBOARD_" {
		if value, exists := os.LookupEnv("SYNCBOARD_" + key); exists {
			return value
		}
	}

	return fallback
}
