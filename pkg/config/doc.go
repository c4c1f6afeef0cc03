// Package config loads and validates Kilo Guardian configuration from a
// YAML file, applying documented defaults for unset options.
package config
