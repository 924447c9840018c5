// Package config loads configuration structs from environment variables,
// with optional .env file support for local development.
package config
