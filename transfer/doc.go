// Package transfer holds the in-memory transfer and per-file state
// model plus the live-transfer registry ("Transfer Manager") described
// in SPEC_FULL.md §3 and §4.5.
//
// Transfer and File carry append-only event histories; Manager tracks
// which transfers are currently live, their connection handle, the
// per-file rejection flags the wire protocol must consult before
// starting an upload or download, and the collision-avoidance mapping
// used when naming incoming files on disk.
package transfer
