// Package filechunk is the File Reader component from SPEC_FULL.md §4.3:
// a 1 MiB chunked reader used by the Protocol Engine's upload sub-task
// to stream outgoing file contents while detecting concurrent
// modification or a size mismatch against what was advertised at
// transfer-request time.
package filechunk
