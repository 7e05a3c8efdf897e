// Package config loads simsync settings from defaults, an optional config
// file and SIMSYNC_-prefixed environment variables, and validates them.
package config
