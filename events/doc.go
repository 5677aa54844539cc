// Package events is the Event Bus component from SPEC_FULL.md §2: a
// single-producer-multi-consumer fan-out of transfer lifecycle events,
// read by the host's own subscriber and by storage.Dispatcher.
package events
