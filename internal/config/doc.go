// Package config loads and validates the newshound TOML configuration.
//
// The configuration is resolved exactly once at process startup into an
// immutable struct that is passed into each stage. Stages never perform
// ad hoc environment lookups mid-run.
package config
