// Package droplist defers the destruction of native resources until the frame that last used
// them has finished executing on the device.
package droplist

import "fmt"

// ArenaRef identifies an arena that a suballocation entry returns space to. Its meaning belongs
// to the Allocators implementation the list is purged with.
type ArenaRef struct {
	Kind  int
	Index int
}

// Allocators receives arena space released by Suballocation entries during a purge. A DropList
// never holds one: it is passed to Purge so that shutdown can purge against allocators that are
// about to be torn down.
type Allocators interface {
	FreeSuballocation(arena ArenaRef, offset int)
}

// Resource is a single pending destruction. Each implementation knows how to destroy itself.
// Destroy is called at most once, and only after the device has finished every frame that could
// reference the resource. Failing to destroy at that point cannot be retried, so implementations
// panic rather than return an error.
type Resource interface {
	Destroy(allocators Allocators)
}

// Suballocation is a Resource that returns a range of an arena to its allocator
type Suballocation struct {
	Arena  ArenaRef
	Offset int
}

func (s Suballocation) Destroy(allocators Allocators) {
	allocators.FreeSuballocation(s.Arena, s.Offset)
}

// ResourceFunc adapts a plain function into a Resource
type ResourceFunc func(allocators Allocators)

func (f ResourceFunc) Destroy(allocators Allocators) {
	f(allocators)
}

// DropList is a bag of resources that have been released by the application but may still be
// referenced by work in flight. Entries are grouped by Kind so that Purge can destroy them in
// dependency order.
//
// DropList is not safe for concurrent use. Pushes must come from the goroutine that owns the
// current frame, or be serialized by the caller.
type DropList struct {
	buckets [kindCount][]Resource
	count   int
}

// New creates an empty drop list
func New() *DropList {
	return &DropList{}
}

// Push queues resource for destruction. It panics if kind is not a known Kind.
func (l *DropList) Push(kind Kind, resource Resource) {
	if !kind.valid() {
		panic(fmt.Sprintf("unknown drop list kind %d", int(kind)))
	}

	l.buckets[kind] = append(l.buckets[kind], resource)
	l.count++
}

// Purge destroys every queued resource and empties the list. Views and descriptor sets are
// destroyed first, then images and buffers, then memory and arena space. Order within a kind is
// unspecified. Purging an empty list does nothing.
func (l *DropList) Purge(allocators Allocators) {
	if l.count == 0 {
		return
	}

	for phase := 0; phase <= KindSuballocation.Phase(); phase++ {
		for kind := Kind(0); kind < kindCount; kind++ {
			if kind.Phase() != phase {
				continue
			}

			bucket := l.buckets[kind]
			for i, resource := range bucket {
				resource.Destroy(allocators)
				bucket[i] = nil
			}
			l.buckets[kind] = bucket[:0]
		}
	}

	l.count = 0
}

// Len returns the number of queued resources
func (l *DropList) Len() int {
	return l.count
}

// LenKind returns the number of queued resources of one kind
func (l *DropList) LenKind(kind Kind) int {
	if !kind.valid() {
		return 0
	}
	return len(l.buckets[kind])
}

// IsEmpty returns true if nothing is queued
func (l *DropList) IsEmpty() bool {
	return l.count == 0
}
