// Package middleware provides HTTP middleware for authentication and login rate limiting.
//
// # Overview
//
// This package implements request processing middleware including session token
// authentication, role gating, and failure-counting rate limits for login
// endpoints (in-memory and Redis-backed).
//
// # Middleware Components
//
// AuthMiddleware: session token authentication
//
//	mw := middleware.NewAuthMiddleware(issuer, store, false)
//	router.Use(mw.Handler)
//	// Extracts the session cookie (or Bearer token), validates it against the
//	// user's current token version and client binding, and attaches an
//	// AuthContext to the request.
//
// RequireRole: role-based gating on top of AuthMiddleware
//
//	router.Handle("/admin", middleware.RequireRole("admin")(handler))
//
// LoginGuard: pre-authentication throttling
//
//	guard := middleware.NewLoginGuard(ipLimiter, acctLimiter, 15*time.Minute)
//	// guard.Check before touching the user store; guard.Failure on a failed
//	// attempt; guard.Success clears the account counter.
//
// DistributedLimiter: Redis-backed failure counting for multi-instance
// deployments. Fails open when Redis is unavailable.
//
// # Related Packages
//
//   - pkg/session: token issuance and validation
//   - pkg/login: login orchestration that consumes LoginGuard
package middleware
