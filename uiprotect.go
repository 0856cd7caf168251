// Package uiprotect is an unofficial client for the UniFi Protect
// controller. It authenticates against the cookie-based API, loads the
// bootstrap device graph, keeps it synchronized over the binary-framed
// websocket event stream, and routes mutations back through the HTTP API
// while suppressing the echoes of its own writes.
//
// The typed device models live in the data subpackage; optional Prometheus
// instrumentation lives in metrics.
package uiprotect

// Version of the library. Bumped on release.
const Version = "1.0.0"
