// Package httpserver wraps net/http with graceful shutdown, functional
// options, environment driven configuration and a health check handler.
package httpserver
