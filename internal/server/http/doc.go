// Package httpserver exposes the HTTP control surface: health and stats,
// operator controls, the SSE event stream, audit lookups, and prometheus
// metrics.
package httpserver
