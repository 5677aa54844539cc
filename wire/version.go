// Package wire implements the Connection Layer from SPEC_FULL.md §4.8:
// version-descending dial over a websocket-framed stream, exponential
// backoff, and the text/binary frame codec shared by every protocol
// version.
//
// Grounded on transport/tcp.go's dial-and-frame idiom (connection map,
// length-prefixed framing, logrus field logging) and
// original_source/drop-transfer/src/ws/client/mod.rs's version-descending
// connect loop, rebuilt over github.com/gorilla/websocket instead of a
// hand-rolled length-prefix framing since the wire protocol is itself
// "web-socket-like" per spec.md §6.1.
package wire

import "fmt"

// Version is a negotiated wire protocol version.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3
	V4 Version = 4
)

func (v Version) String() string { return fmt.Sprintf("v%d", int(v)) }

// SupportsPing reports whether the version emits liveness pings.
func (v Version) SupportsPing() bool { return v >= V2 }

// SupportsReject reports whether Reject is a distinct wire message, as
// opposed to being translated to Cancel (V1/V2).
func (v Version) SupportsReject() bool { return v >= V3 }

// SupportsResume reports whether the version exchanges ReqChsum /
// ReportChsum and a Start offset for resuming a partial download.
func (v Version) SupportsResume() bool { return v >= V3 }

// SupportsFileIDOnWire reports whether a message's "file" field (and a
// chunk frame's identifier) carries the sender-chosen file_id (V3+) as
// opposed to the subpath string V1/V2 send instead — on those versions
// file_id is never exchanged, and the subpath doubles as wire identity
// (SPEC_FULL.md §4.6.2, Glossary "Subpath").
func (v Version) SupportsFileIDOnWire() bool { return v >= V3 }

// DescendingVersions is the order a client tries when dialing: highest
// first, falling back to older ones only on a client-error response.
var DescendingVersions = []Version{V4, V3, V2, V1}

// Path returns the HTTP path this version is served under.
func (v Version) Path() string { return fmt.Sprintf("/drop/%d", int(v)) }
