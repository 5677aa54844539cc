// Package wire is the Connection Layer from SPEC_FULL.md §4.8/§6.1: a
// version-negotiating dial with exponential backoff, and a message
// framing layer over a persistent websocket stream carrying text
// (control) and binary (chunk) frames with liveness pings.
package wire
