// Package config provides configuration loading for the ChainSentry
// runtime. Configuration lives in a single JSON file whose relative paths
// are resolved against the file's own directory.
package config
