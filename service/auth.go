package service

import (
	"fmt"
	"net/http"
)

// Authenticator is the seam a host can satisfy to gate connections
// before any transfer data is exchanged. SPEC_FULL.md's non-goals
// exclude real noise-handshake cryptography; this package only names
// the interface and ships a no-op and a shared-secret implementation
// against it, the same seam-without-cryptography split
// original_source/drop-transfer/src/service.rs leaves to its `auth`
// parameter of `start`.
type Authenticator interface {
	// AuthenticateIncoming inspects the HTTP upgrade request and
	// returns a non-nil error to reject the connection before it is
	// upgraded to a websocket.
	AuthenticateIncoming(r *http.Request) error

	// OutgoingHeader returns the header an outgoing dial attaches to
	// its upgrade request, letting the peer authenticate it. May
	// return nil.
	OutgoingHeader() http.Header
}

// NoAuth accepts every incoming connection and sends no header on
// outgoing dials. It's the default Authenticator.
type NoAuth struct{}

// AuthenticateIncoming always succeeds.
func (NoAuth) AuthenticateIncoming(*http.Request) error { return nil }

// OutgoingHeader returns nil.
func (NoAuth) OutgoingHeader() http.Header { return nil }

// sharedSecretHeader carries the SharedSecretAuth token. Sent and
// compared in the clear; this is a placeholder for a real handshake,
// not a cryptographic protection.
const sharedSecretHeader = "X-Dropsync-Secret"

// SharedSecretAuth rejects any incoming connection whose
// X-Dropsync-Secret header doesn't equal Secret, and attaches Secret
// to every outgoing dial. It satisfies the Authenticator seam without
// implementing a real handshake.
type SharedSecretAuth struct {
	Secret string
}

// AuthenticateIncoming rejects the request unless its shared-secret
// header matches.
func (a SharedSecretAuth) AuthenticateIncoming(r *http.Request) error {
	if a.Secret == "" || r.Header.Get(sharedSecretHeader) != a.Secret {
		return fmt.Errorf("service: shared secret mismatch")
	}
	return nil
}

// OutgoingHeader attaches the shared secret.
func (a SharedSecretAuth) OutgoingHeader() http.Header {
	h := make(http.Header)
	h.Set(sharedSecretHeader, a.Secret)
	return h
}
