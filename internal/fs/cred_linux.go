//go:build linux

package fs

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/shufflefs/shufflefs/internal/logging"
	"github.com/shufflefs/shufflefs/pkg/types"
)

// The syscall package's Set*uid wrappers broadcast credential changes
// to every thread in the process. Requests for different callers run
// on different threads concurrently, so a process-wide switch would
// leak one caller's identity into another caller's in-flight request.
// The switch must be scoped to the serving thread, which means pinning
// the goroutine to its thread and issuing the raw syscalls directly.

// keepID is the uid_t/gid_t value -1, which tells setresuid/setresgid
// to leave that field unchanged.
const keepID = ^uintptr(0)

// threadSeteuid changes the effective uid of the calling thread only.
func threadSeteuid(euid uint32) error {
	_, _, errno := unix.RawSyscall(unix.SYS_SETRESUID, keepID, uintptr(euid), keepID)
	if errno != 0 {
		return errno
	}
	return nil
}

// threadSetegid changes the effective gid of the calling thread only.
func threadSetegid(egid uint32) error {
	_, _, errno := unix.RawSyscall(unix.SYS_SETRESGID, keepID, uintptr(egid), keepID)
	if errno != 0 {
		return errno
	}
	return nil
}

// threadSetgroups replaces the supplementary group list of the calling
// thread only. An empty list clears it.
func threadSetgroups(groups []uint32) error {
	var p unsafe.Pointer
	if len(groups) > 0 {
		p = unsafe.Pointer(&groups[0])
	}
	_, _, errno := unix.RawSyscall(unix.SYS_SETGROUPS, uintptr(len(groups)), uintptr(p), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// callerIdentity resolves the requesting user's identity from the FUSE
// request context. Supplementary groups come from the caller's proc
// status file, the same source libfuse reads; if the caller exited
// before we get there, the list degrades to empty rather than failing
// the request.
func callerIdentity(ctx context.Context) (types.CallerIdentity, bool) {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return types.CallerIdentity{}, false
	}
	return types.CallerIdentity{
		UID:    caller.Uid,
		GID:    caller.Gid,
		Groups: supplementaryGroups(caller.Pid),
	}, true
}

// supplementaryGroups parses the Groups: line of /proc/<pid>/status.
func supplementaryGroups(pid uint32) []uint32 {
	data, err := os.ReadFile("/proc/" + strconv.FormatUint(uint64(pid), 10) + "/status")
	if err != nil {
		return nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		rest, ok := strings.CutPrefix(line, "Groups:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		groups := make([]uint32, 0, len(fields))
		for _, f := range fields {
			g, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return nil
			}
			groups = append(groups, uint32(g))
		}
		return groups
	}
	return nil
}

// credGuard scopes a thread-local switch to a caller's credentials.
// The zero guard is an inactive no-op.
type credGuard struct {
	active bool
}

// dropPrivileges switches the serving thread to the caller's identity
// when multi-user mode is enabled and the process holds root. The
// returned guard must be restored on every exit path of the enclosing
// operation. The switch order is groups, then gid, then uid: once the
// effective uid is no longer 0 the thread could not change its gid or
// group list anymore.
//
// A credential syscall failing can leave the thread partially
// downgraded, with no way to tell which caller's access rights it now
// enforces, so any failure aborts the whole process.
func (o *Overlay) dropPrivileges(ctx context.Context) credGuard {
	if !o.opts.MultiUser || os.Getuid() != 0 {
		return credGuard{}
	}
	id, ok := callerIdentity(ctx)
	if !ok {
		return credGuard{}
	}
	runtime.LockOSThread()
	if err := threadSetgroups(id.Groups); err != nil {
		logging.Fatal("setgroups failed", logging.Err(err))
	}
	if err := threadSetegid(id.GID); err != nil {
		logging.Fatal("setegid failed", logging.Uint32("gid", id.GID), logging.Err(err))
	}
	if err := threadSeteuid(id.UID); err != nil {
		logging.Fatal("seteuid failed", logging.Uint32("uid", id.UID), logging.Err(err))
	}
	return credGuard{active: true}
}

// restore reverts the thread to full privilege: uid first to regain
// root, then gid, then the supplementary list. Failures here are fatal
// for the same reason as in dropPrivileges.
func (g credGuard) restore() {
	if !g.active {
		return
	}
	if err := threadSeteuid(0); err != nil {
		logging.Fatal("seteuid(0) failed", logging.Err(err))
	}
	if err := threadSetegid(0); err != nil {
		logging.Fatal("setegid(0) failed", logging.Err(err))
	}
	if err := threadSetgroups(nil); err != nil {
		logging.Fatal("setgroups(0) failed", logging.Err(err))
	}
	runtime.UnlockOSThread()
}
