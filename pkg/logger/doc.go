// Package logger builds structured slog loggers with environment presets,
// context attribute injection and shared attribute helpers for the billing
// domain.
package logger
