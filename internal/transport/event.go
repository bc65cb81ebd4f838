package transport

import "sync"

// registry pins in-flight ServerEvents against an opaque uint64 tag so
// the Go garbage collector always sees a live reference to them for as
// long as the matching SQE/CQE round trip is outstanding (spec
// invariant I5: the user-data tag's pointee must live until the CQE is
// processed). Stashing a raw unsafe.Pointer as a uint64 would not give
// the collector anything to trace; a map keyed by a plain counter does.
var registry = struct {
	mu   sync.Mutex
	next uint64
	m    map[uint64]*ServerEvent
}{m: make(map[uint64]*ServerEvent)}

// eventTag registers ev and returns the tag to attach to an SQE's
// user-data field. Call EventFromTag exactly once per completion to
// retrieve and unregister it.
func eventTag(ev *ServerEvent) uint64 {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.next++
	tag := registry.next
	registry.m[tag] = ev
	return tag
}

// TagEvent registers ev and returns the tag to attach to an SQE's
// user-data field, for dispatcher-originated events (Accept,
// CloseStream re-posts, CheckServerStatus) that live outside Session.
func TagEvent(ev *ServerEvent) uint64 { return eventTag(ev) }

// EventFromTag recovers and unregisters the ServerEvent a completion's
// user-data tag refers to. Returns nil for an unknown or zero tag.
func EventFromTag(tag uint64) *ServerEvent {
	if tag == 0 {
		return nil
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	ev := registry.m[tag]
	delete(registry.m, tag)
	return ev
}
