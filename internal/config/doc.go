// Package config loads the YAML configuration, applies defaults and
// validates it. The result is treated as immutable after Load; only the
// schedule section can change at runtime, through Watch.
package config
