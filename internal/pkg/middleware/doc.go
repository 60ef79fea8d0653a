// Package middleware provides HTTP middleware for the logstream server.
//
// Available middleware:
//   - RateLimiter: per-client token bucket limiting of ingestion requests
//   - RequestLogger: structured access logging with panic recovery
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer rl.Stop()
//	handler = rl.Middleware(handler)
package middleware
