// Package httpmw provides HTTP middleware for the webhook server.
//
// httpserver.NewHandler composes it outermost first: security headers, panic
// recovery, request ID, client IP, rate limiting, OTEL tracing, trace headers,
// metrics, request logger, then the chi router with route annotation and
// access logging.
//
// Caller supplied values (query strings, headers, user agent) are kept out of
// logs. The deploy key travels in a header.
package httpmw
