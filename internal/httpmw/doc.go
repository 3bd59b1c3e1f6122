// Package httpmw holds the middleware shared by the monitor's public
// listener.
//
// httpserver composes them outermost first: recover, security headers,
// request id, client ip, rate limit, tracing, build headers, metrics,
// logger injection, access log, then the chi router. Query strings and
// user agents stay out of the logs.
package httpmw
