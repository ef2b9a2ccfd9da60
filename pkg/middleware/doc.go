// Package middleware provides HTTP middleware for authentication, authorization, and rate limiting.
//
// # Overview
//
// This package implements request processing middleware: bearer session-token
// authentication, role checks, and rate limiting (in-memory and Redis-backed).
//
// # Middleware Components
//
// SessionAuth: bearer-token authentication against the SSO service
//
//	authn := middleware.NewSessionAuth(ssoService, false)
//	router.Use(authn.Handler)
//	// Resolves the token to a session+user, adds both to the request context
//
// RequireRole: role gate for admin surfaces, after SessionAuth
//
//	adminRouter.Use(middleware.RequireRole(auth.RoleAdmin))
//
// RateLimitMiddleware: in-memory per-IP rate limiting
//
//	limiter := middleware.NewRateLimitMiddleware(middleware.LoginRateLimitConfig())
//	loginRouter.Use(limiter.Handler)
//
// DistributedRateLimitMiddleware: Redis-backed per-IP rate limiting for
// multi-instance deployments
//
//	limiter := middleware.NewDistributedRateLimitMiddleware(redisClient, nil, "ratelimit:login")
//	loginRouter.Use(limiter.Handler)
//
// # Rate Limiting
//
// Default: 100 req/min, 10 burst
// Login endpoints: 10 req/min, 5 burst
//
// # Related Packages
//
//   - pkg/sso: session token resolution
//   - pkg/auth: user and role types
package middleware
