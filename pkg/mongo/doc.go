// Package mongo provides MongoDB connection management with environment
// driven configuration, connection retries and a health check helper.
package mongo
