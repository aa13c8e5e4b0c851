package fs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// overlayFileHandle wraps an open descriptor on the underlying tree.
// Descriptor-based operations need no privilege guard: access was
// checked when the descriptor was opened.
type overlayFileHandle struct {
	overlay *Overlay
	// fdno is owned by the handle and closed exactly once, in Release.
	fdno int
}

func newOverlayFileHandle(fd int, overlay *Overlay) *overlayFileHandle {
	return &overlayFileHandle{overlay: overlay, fdno: fd}
}

// fsyncDataOnly is the FUSE_FSYNC_FDATASYNC wire bit of the FSYNC
// request; go-fuse passes the flags through without naming it.
const fsyncDataOnly = 1

func (fh *overlayFileHandle) fd() int {
	return fh.fdno
}

var _ = (fs.FileReader)((*overlayFileHandle)(nil))
var _ = (fs.FileWriter)((*overlayFileHandle)(nil))
var _ = (fs.FileFlusher)((*overlayFileHandle)(nil))
var _ = (fs.FileReleaser)((*overlayFileHandle)(nil))
var _ = (fs.FileFsyncer)((*overlayFileHandle)(nil))
var _ = (fs.FileLseeker)((*overlayFileHandle)(nil))
var _ = (fs.FileGetattrer)((*overlayFileHandle)(nil))
var _ = (fs.FileAllocater)((*overlayFileHandle)(nil))
var _ = (fs.FileGetlker)((*overlayFileHandle)(nil))
var _ = (fs.FileSetlker)((*overlayFileHandle)(nil))
var _ = (fs.FileSetlkwer)((*overlayFileHandle)(nil))

// Read implements fs.FileReader.
func (fh *overlayFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := syscall.Pread(fh.fdno, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

// Write implements fs.FileWriter. Short writes are retried until the
// buffer is fully written or the underlying filesystem reports an
// error.
func (fh *overlayFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	var written int
	for written < len(data) {
		n, err := syscall.Pwrite(fh.fdno, data[written:], off+int64(written))
		if err != nil {
			return 0, toErrno(err)
		}
		written += n
	}
	return uint32(written), fs.OK
}

// Flush implements fs.FileFlusher. The dup/close pair flushes without
// forcing data to disk, matching what close(2) on the caller's side
// implies.
func (fh *overlayFileHandle) Flush(ctx context.Context) syscall.Errno {
	newFd, err := syscall.Dup(fh.fdno)
	if err != nil {
		return toErrno(err)
	}
	return toErrno(syscall.Close(newFd))
}

// Release implements fs.FileReleaser.
func (fh *overlayFileHandle) Release(ctx context.Context) syscall.Errno {
	return toErrno(syscall.Close(fh.fdno))
}

// Fsync implements fs.FileFsyncer.
func (fh *overlayFileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if flags&fsyncDataOnly != 0 {
		return toErrno(unix.Fdatasync(fh.fdno))
	}
	return toErrno(syscall.Fsync(fh.fdno))
}

// Lseek implements fs.FileLseeker (SEEK_DATA/SEEK_HOLE passthrough).
func (fh *overlayFileHandle) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	newOff, err := unix.Seek(fh.fdno, int64(off), int(whence))
	if err != nil {
		return 0, toErrno(err)
	}
	return uint64(newOff), fs.OK
}

// Getattr implements fs.FileGetattrer, with the configured block
// padding applied like the path-based variant.
func (fh *overlayFileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	var st syscall.Stat_t
	if err := syscall.Fstat(fh.fdno, &st); err != nil {
		return toErrno(err)
	}
	out.FromStat(&st)
	fh.overlay.padBlocks(&out.Attr)
	return fs.OK
}

// Allocate implements fs.FileAllocater.
func (fh *overlayFileHandle) Allocate(ctx context.Context, off uint64, size uint64, mode uint32) syscall.Errno {
	return toErrno(unix.Fallocate(fh.fdno, mode, int64(off), int64(size)))
}

// Getlk implements fs.FileGetlker. Lock delegation to the underlying
// filesystem is only active with share_locks; otherwise ENOSYS makes
// the kernel keep locks local to the mount.
func (fh *overlayFileHandle) Getlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32, out *fuse.FileLock) syscall.Errno {
	if !fh.overlay.opts.ShareLocks {
		return syscall.ENOSYS
	}
	flk := syscall.Flock_t{}
	lk.ToFlockT(&flk)
	if err := syscall.FcntlFlock(uintptr(fh.fdno), syscall.F_GETLK, &flk); err != nil {
		return toErrno(err)
	}
	out.FromFlockT(&flk)
	return fs.OK
}

// Setlk implements fs.FileSetlker.
func (fh *overlayFileHandle) Setlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	return fh.setLock(lk, flags, false)
}

// Setlkw implements fs.FileSetlkwer.
func (fh *overlayFileHandle) Setlkw(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	return fh.setLock(lk, flags, true)
}

func (fh *overlayFileHandle) setLock(lk *fuse.FileLock, flags uint32, blocking bool) syscall.Errno {
	if !fh.overlay.opts.ShareLocks {
		return syscall.ENOSYS
	}
	if flags&fuse.FUSE_LK_FLOCK != 0 {
		var op int
		switch lk.Typ {
		case syscall.F_RDLCK:
			op = syscall.LOCK_SH
		case syscall.F_WRLCK:
			op = syscall.LOCK_EX
		case syscall.F_UNLCK:
			op = syscall.LOCK_UN
		default:
			return syscall.EINVAL
		}
		if !blocking {
			op |= syscall.LOCK_NB
		}
		return toErrno(syscall.Flock(fh.fdno, op))
	}

	flk := syscall.Flock_t{}
	lk.ToFlockT(&flk)
	cmd := syscall.F_SETLK
	if blocking {
		cmd = syscall.F_SETLKW
	}
	return toErrno(syscall.FcntlFlock(uintptr(fh.fdno), cmd, &flk))
}
