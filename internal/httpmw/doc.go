// Package httpmw provides HTTP middleware for the public admission API.
//
// httpserver composes them outermost first: security headers, request ID,
// client IP, ingress guard, OTel tracing, trace response headers, metrics,
// request logger, access log, body limit, panic recovery, then the chi router.
//
// Phone numbers, account ids and message bodies are never logged or put on
// spans here. Handlers decide what, if anything, identifies a request.
package httpmw
