// Package redis provides Redis connection management with environment driven
// configuration, connection retries and a health check helper.
package redis
