// Package config handles configuration loading, parsing, and validation
// from defaults, an optional config file, and TASKFLOW_ environment variables.
package config
