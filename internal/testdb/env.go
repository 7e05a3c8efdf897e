//go:build integration

package testdb

import "os"

const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvTestDBURL   = "SIMSYNC_TEST_DB_URL"
)

// DatabaseURL returns the first non-empty database URL from the environment.
func DatabaseURL() string {
	if u := os.Getenv(EnvDatabaseURL); u != "" {
		return u
	}
	return os.Getenv(EnvTestDBURL)
}

// Available reports whether an integration database is configured.
func Available() bool {
	return DatabaseURL() != ""
}
