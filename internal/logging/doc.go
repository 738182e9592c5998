// Package logging builds the slog loggers used across the pipeline stages
// with console and JSON output formats.
package logging
