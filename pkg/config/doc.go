// Package config loads the YAML host configuration and maps it onto
// controller, multipath and logger settings.
package config
