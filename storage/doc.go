// Package storage is the Storage Journal and Storage Dispatcher from
// SPEC_FULL.md §4.1/§4.2: an embedded SQLite-backed, event-sourced
// record of every transfer and file this peer has seen, fed by a
// stateless translator off the Event Bus.
package storage
