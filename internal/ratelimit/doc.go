// Package ratelimit provides per-IP rate limiting for the deploy webhook, with
// background eviction of idle entries and a cap on how many IPs are tracked.
//
// The deploy key is the only thing guarding publish runs, so the limiter keeps
// a single client from guessing it at line rate. It is single-instance and
// in-memory; distributed guessing needs an upstream WAF.
package ratelimit
