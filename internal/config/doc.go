// Package config loads the YAML configuration for zeed and zeectl, fills in
// defaults, applies ZEE_* environment overrides and validates the agent set.
package config
