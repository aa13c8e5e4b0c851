package fs

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shufflefs/shufflefs/pkg/types"
)

// dirSnapshot holds the entries of one open directory session. The
// multiset of entries is fixed when the directory is opened; only
// their order changes afterwards, and only through the shuffle policy.
// The name→inode mapping is whatever the underlying filesystem
// reported at capture time and is never re-validated during the
// session's lifetime.
type dirSnapshot struct {
	realPath string
	entries  []types.DirEntry
}

// newDirSnapshot captures a directory's contents and applies the
// open-time reordering policies (sort, then reverse). Shuffling is
// deliberately not applied here: it is a per-listing effect, handled
// by the directory handle. Enumeration errors propagate unchanged.
func newDirSnapshot(realPath string, opts Options) (*dirSnapshot, error) {
	entries, err := readRawDir(realPath)
	if err != nil {
		return nil, err
	}
	if opts.SortDirents {
		if opts.SortByCtime {
			sortEntriesByCtime(realPath, entries)
		} else {
			sortEntriesByName(entries)
		}
	}
	if opts.ReverseDirents {
		reverseEntries(entries)
	}
	return &dirSnapshot{realPath: realPath, entries: entries}, nil
}

// linuxDirent64 mirrors the kernel's struct linux_dirent64.
type linuxDirent64 struct {
	Ino    uint64
	Off    int64
	Reclen uint16
	Type   uint8
	Name   [1]uint8
}

// readRawDir enumerates a directory in the order the underlying
// filesystem yields entries, including "." and "..". os.ReadDir is not
// usable here: it sorts by name, and the reversal policy is defined
// against the raw on-disk order.
func readRawDir(realPath string) ([]types.DirEntry, error) {
	fd, err := unix.Open(realPath, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var entries []types.DirEntry
	buf := make([]byte, 8192)
	for {
		n, err := unix.Getdents(fd, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return entries, nil
		}
		rest := buf[:n]
		for len(rest) > 0 {
			de := (*linuxDirent64)(unsafe.Pointer(&rest[0]))
			nameOff := int(unsafe.Offsetof(linuxDirent64{}.Name))
			if de.Reclen < uint16(nameOff) || int(de.Reclen) > len(rest) {
				return entries, nil
			}
			nameBytes := rest[nameOff:de.Reclen]
			end := 0
			for i, b := range nameBytes {
				if b == 0 {
					end = i
					break
				}
			}
			if end > 0 {
				entries = append(entries, types.DirEntry{
					Name: string(nameBytes[:end]),
					Ino:  de.Ino,
					Type: de.Type,
				})
			}
			rest = rest[de.Reclen:]
		}
	}
}

// dirSessions maps open directory handles to their snapshots. Each
// open gets a fresh, independent snapshot, even when several sessions
// have the same path open concurrently, so reordering effects stay
// per-session. The mutex protects the table itself; a snapshot is only
// mutated by the thread currently serving an operation on its handle.
type dirSessions struct {
	mu   sync.Mutex
	next uint64
	open map[uint64]*dirSnapshot
}

func newDirSessions() *dirSessions {
	return &dirSessions{open: make(map[uint64]*dirSnapshot)}
}

// add registers a snapshot and returns its handle id.
func (t *dirSessions) add(snap *dirSnapshot) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.open[t.next] = snap
	return t.next
}

// get returns the snapshot for a handle id, or nil if the handle was
// never issued or has already been released.
func (t *dirSessions) get(id uint64) *dirSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open[id]
}

// remove releases a snapshot. Removing an unknown id is a no-op, so a
// double release cannot free another session's snapshot.
func (t *dirSessions) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.open, id)
}

// count returns the number of open sessions.
func (t *dirSessions) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
