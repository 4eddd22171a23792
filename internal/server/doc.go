/*
Package server provides the HTTP server and middleware for the gateway.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware assigns each request an id and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

A caller-supplied X-Request-ID is kept when it is a UUID.

## Logging (logging.go)

LoggingMiddleware provides structured request logging using slog:
  - Logs request start at debug level (method, path, remote_addr)
  - Logs request completion (status, bytes, duration); 5xx at error, 4xx at warn
  - Supports request-scoped fields via AddLogField/AddError

## Authentication (auth.go)

AuthMiddleware checks the caller's key from "Authorization: Bearer" or
x-api-key. Errors are rendered in the dialect of the requested path.
AdminMiddleware guards /admin and closes it when no admin key is set.

## Admission (admission.go)

AdmissionMiddleware bounds in-flight requests. Requests beyond the ceiling
are rejected immediately with 503 and Retry-After.

## Rate Limit Headers (ratelimit.go)

RateLimitHeadersMiddleware writes x-ratelimit-limit-requests and
x-ratelimit-remaining-requests from the credential pool's quota.

## Timeout (timeout.go)

TimeoutMiddleware puts a deadline on the request context. It is applied to
the admin API only; streamed completions carry their own timeouts.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. Recoverer
 4. OTel instrumentation
 5. MetricsMiddleware (when metrics are enabled)

Per route group:
  - Completions: AuthMiddleware, AdmissionMiddleware, RateLimitHeadersMiddleware
  - Admin: AdminMiddleware, TimeoutMiddleware
  - Media: none
*/
package server
