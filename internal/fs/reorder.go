package fs

import (
	crand "crypto/rand"
	"math/rand/v2"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/shufflefs/shufflefs/internal/logging"
	"github.com/shufflefs/shufflefs/pkg/types"
)

// sortEntriesByName stable-sorts entries lexicographically, breaking
// name ties by inode so the order is deterministic within a session.
func sortEntriesByName(entries []types.DirEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Ino < entries[j].Ino
	})
}

// ctimeKeyedEntry pairs an entry with its change-time, captured
// exactly once before the sort begins.
type ctimeKeyedEntry struct {
	ctime unix.Timespec
	entry types.DirEntry
}

// sortEntriesByCtime stable-sorts entries by change-time. The sort is
// two-phase: every timestamp is captured up front, then the
// comparisons run against the captured keys only. Calling Lstat inside
// the comparator would re-read live filesystem state on every
// comparison; a concurrent writer could then make the comparator
// contradict itself within a single sort pass, which breaks the
// strict-weak-ordering precondition of the sort and can corrupt the
// sequence rather than merely mis-order it.
//
// An entry that vanishes between enumeration and the ctime query gets
// the zero timestamp, sorting it as the oldest entry; the open itself
// never fails for this.
func sortEntriesByCtime(realPath string, entries []types.DirEntry) {
	keyed := make([]ctimeKeyedEntry, 0, len(entries))
	for _, e := range entries {
		var ct unix.Timespec
		var st unix.Stat_t
		p := filepath.Join(realPath, e.Name)
		if err := unix.Lstat(p, &st); err != nil {
			logging.Warn("lstat failed during ctime capture, treating entry as oldest",
				logging.String("path", p),
				logging.Err(err))
		} else {
			ct = st.Ctim
		}
		keyed = append(keyed, ctimeKeyedEntry{ctime: ct, entry: e})
	}
	sort.SliceStable(keyed, func(i, j int) bool {
		a, b := keyed[i].ctime, keyed[j].ctime
		if a.Sec != b.Sec {
			return a.Sec < b.Sec
		}
		return a.Nsec < b.Nsec
	})
	for i := range keyed {
		entries[i] = keyed[i].entry
	}
}

// reverseEntries reverses the sequence in place.
func reverseEntries(entries []types.DirEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// shuffleEntries applies a uniformly random permutation, freshly
// seeded from the OS entropy source on every call, so repeated
// listings of the same open session are not reproducible.
func shuffleEntries(entries []types.DirEntry) {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		logging.Fatal("cannot seed dirent shuffle", logging.Err(err))
	}
	rng := rand.New(rand.NewChaCha8(seed))
	rng.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})
}
