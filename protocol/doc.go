// Package protocol implements the per-connection Protocol Engine: the
// two role-symmetric loops described in SPEC_FULL.md §4.6 that drive a
// single transfer to completion over a wire.Conn, plus the per-file
// upload/download sub-protocol, resume, checksum validation, and error
// taxonomy that support them.
//
// An outgoing transfer runs as the client/sender role (Session.Run
// calls runSender); an incoming transfer runs as the server/receiver
// role (runReceiver). Both share readLoop, the per-file task registry,
// and the finalize* helpers that translate a sub-task's outcome into a
// transfer.FileEvent and an events.Event.
package protocol
