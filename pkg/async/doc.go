// Package async provides small concurrency helpers: futures for running
// independent computations in parallel and a bounded ForEach for fanning out
// over a slice with a concurrency limit.
package async
