// Package types defines the core domain types for the overlay.
package types

// DirEntry represents one raw directory member as reported by the
// underlying filesystem. Immutable once captured.
type DirEntry struct {
	Name string // entry name, without any path component
	Ino  uint64 // inode number on the underlying filesystem
	Type uint8  // d_type byte from the raw enumeration (0 if the filesystem doesn't fill it)
}

// CallerIdentity is the effective identity of the user issuing a
// request, resolved per request from the kernel's request context.
// It is used transiently while switching thread credentials and is
// never persisted.
type CallerIdentity struct {
	UID    uint32
	GID    uint32
	Groups []uint32 // supplementary groups
}
