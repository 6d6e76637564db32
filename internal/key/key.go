// Package key defines the (namespace, bytes) key used throughout the
// engine and the collection-prefix rule used to map a key to its
// collection name.
package key

import "bytes"

// Namespace partitions the key space seen by a single partition.
type Namespace uint8

const (
	// DefaultCollection is the implicit, always-open "$default" collection.
	DefaultCollection Namespace = iota
	// Collections is the namespace for user-defined, separator-prefixed
	// collections.
	Collections
	// System is reserved for meta-events (collection lifecycle markers)
	// and must never be visible through a client-facing Collections or
	// DefaultCollection read.
	System
)

// Key is a (namespace, bytes) pair. Keys compare lexicographically by
// namespace then by bytes.
type Key struct {
	Namespace Namespace
	Bytes     []byte
}

// New builds a Key, copying bytes so the caller's slice can be reused.
func New(ns Namespace, b []byte) Key {
	owned := make([]byte, len(b))
	copy(owned, b)
	return Key{Namespace: ns, Bytes: owned}
}

// Compare returns -1, 0, or 1 following namespace-then-bytes order.
func (k Key) Compare(other Key) int {
	if k.Namespace != other.Namespace {
		if k.Namespace < other.Namespace {
			return -1
		}
		return 1
	}
	return bytes.Compare(k.Bytes, other.Bytes)
}

// Equal reports whether two keys are identical.
func (k Key) Equal(other Key) bool {
	return k.Namespace == other.Namespace && bytes.Equal(k.Bytes, other.Bytes)
}

// String renders the key for logging/diagnostics only.
func (k Key) String() string {
	return string(k.Bytes)
}

// CollectionName returns the collection name for a Collections-namespace
// key given the current separator.
//
// The collection name is the bytes from the start of the key up to the
// first occurrence of sep.
// A key with no separator occurrence has no collection and ok is false.
func CollectionName(k []byte, sep []byte) (name []byte, ok bool) {
	idx := bytes.Index(k, sep)
	if idx < 0 {
		return nil, false
	}
	return k[:idx], true
}
