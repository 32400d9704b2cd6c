// Package config loads archivist settings from an optional YAML file and
// ARCHIVIST_* environment variables, applies defaults and validates the
// result before any component starts.
package config
