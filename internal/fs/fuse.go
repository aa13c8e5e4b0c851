// Package fs implements the disordering overlay: a FUSE passthrough
// filesystem over a real directory tree whose directory listings are
// deliberately reordered to expose enumeration-order assumptions in
// the tools reading them.
//
// Directory listings follow an open, enumerate, close session model.
// Opening a directory captures a snapshot of its entries (sorted
// and/or reversed per configuration). When shuffling is enabled, every
// listing pass that restarts at offset zero re-randomizes the snapshot
// in place, so repeated listings of one open session are not
// reproducible. A reader paging through the directory with offsets
// from a previous pass may therefore see entries skipped or repeated;
// that is the point of the tool, not a defect to work around.
package fs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/shufflefs/shufflefs/pkg/types"
)

// Options is the immutable mount-time configuration of the overlay.
type Options struct {
	Root           string // absolute, resolved path of the underlying tree
	MountPoint     string
	MultiUser      bool
	ShuffleDirents bool
	ReverseDirents bool
	SortDirents    bool
	SortByCtime    bool // only effective together with SortDirents
	PadBlocks      int
	ShareLocks     bool
	Debug          bool
}

// Overlay is a passthrough filesystem whose directory listings are
// reordered according to Options. All durable state lives in the
// underlying tree; the overlay itself holds only open-session state.
type Overlay struct {
	opts     Options
	sessions *dirSessions
	server   *fuse.Server
	mounted  atomic.Bool
	mu       sync.Mutex
}

// NewOverlay validates the options and creates an unmounted overlay.
// The root must be an absolute path to an existing directory; callers
// are expected to have resolved symlinks already.
func NewOverlay(opts Options) (*Overlay, error) {
	if opts.Root == "" || !filepath.IsAbs(opts.Root) {
		return nil, types.ErrInvalidRoot
	}
	if opts.MountPoint == "" {
		return nil, types.ErrInvalidMountPoint
	}
	info, err := os.Stat(opts.Root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, types.ErrInvalidRoot
	}
	return &Overlay{
		opts:     opts,
		sessions: newDirSessions(),
	}, nil
}

// Mount mounts the overlay. It blocks until the context is cancelled,
// then unmounts.
func (o *Overlay) Mount(ctx context.Context) error {
	root := &overlayNode{overlay: o}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: o.opts.MultiUser,
			FsName:     "shufflefs",
			Name:       "shufflefs",
			Options:    []string{"atomic_o_trunc", "default_permissions"},
			Debug:      o.opts.Debug,
		},
	}

	server, err := fs.Mount(o.opts.MountPoint, root, opts)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.server = server
	o.mounted.Store(true)
	o.mu.Unlock()

	<-ctx.Done()

	if err := o.Unmount(); err != nil && err != types.ErrNotMounted {
		return err
	}

	return ctx.Err()
}

// Unmount detaches the overlay from its mount point. It fails with
// ErrNotMounted when the overlay is not currently mounted, so a
// shutdown racing an earlier explicit Unmount stays a no-op.
func (o *Overlay) Unmount() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.mounted.Load() || o.server == nil {
		return types.ErrNotMounted
	}
	if err := o.server.Unmount(); err != nil {
		return err
	}
	o.mounted.Store(false)
	return nil
}

// IsMounted returns true if the overlay is currently mounted.
func (o *Overlay) IsMounted() bool {
	return o.mounted.Load()
}

// padBlocks applies the configured st_blocks padding.
func (o *Overlay) padBlocks(attr *fuse.Attr) {
	attr.Blocks = uint64(int64(attr.Blocks) + int64(o.opts.PadBlocks))
}

// overlayNode is a node of the overlay tree. Its path below the mount
// point equals its path below the real root, so every operation
// resolves against root + relative path.
type overlayNode struct {
	fs.Inode
	overlay *Overlay
}

var _ = (fs.NodeLookuper)((*overlayNode)(nil))
var _ = (fs.NodeGetattrer)((*overlayNode)(nil))
var _ = (fs.NodeSetattrer)((*overlayNode)(nil))
var _ = (fs.NodeReadlinker)((*overlayNode)(nil))
var _ = (fs.NodeMknoder)((*overlayNode)(nil))
var _ = (fs.NodeMkdirer)((*overlayNode)(nil))
var _ = (fs.NodeUnlinker)((*overlayNode)(nil))
var _ = (fs.NodeRmdirer)((*overlayNode)(nil))
var _ = (fs.NodeSymlinker)((*overlayNode)(nil))
var _ = (fs.NodeRenamer)((*overlayNode)(nil))
var _ = (fs.NodeLinker)((*overlayNode)(nil))
var _ = (fs.NodeOpener)((*overlayNode)(nil))
var _ = (fs.NodeCreater)((*overlayNode)(nil))
var _ = (fs.NodeStatfser)((*overlayNode)(nil))
var _ = (fs.NodeGetxattrer)((*overlayNode)(nil))
var _ = (fs.NodeSetxattrer)((*overlayNode)(nil))
var _ = (fs.NodeListxattrer)((*overlayNode)(nil))
var _ = (fs.NodeRemovexattrer)((*overlayNode)(nil))
var _ = (fs.NodeOpendirHandler)((*overlayNode)(nil))

// realPath returns the underlying path for a child of this node, or
// for the node itself when name is empty.
func (n *overlayNode) realPath(name string) string {
	return filepath.Join(n.overlay.opts.Root, n.Path(nil), name)
}

// newChild wraps a freshly stat'ed underlying object in an inode that
// reports the real inode number.
func (n *overlayNode) newChild(ctx context.Context, st *syscall.Stat_t) *fs.Inode {
	child := &overlayNode{overlay: n.overlay}
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: uint32(st.Mode),
		Ino:  st.Ino,
	})
}

// Lookup implements fs.NodeLookuper.
func (n *overlayNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	var st syscall.Stat_t
	if err := syscall.Lstat(n.realPath(name), &st); err != nil {
		return nil, toErrno(err)
	}
	out.Attr.FromStat(&st)
	n.overlay.padBlocks(&out.Attr)
	return n.newChild(ctx, &st), fs.OK
}

// Getattr implements fs.NodeGetattrer. The reported block count is
// padded by the configured constant.
func (n *overlayNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if f, ok := fh.(*overlayFileHandle); ok {
		return f.Getattr(ctx, out)
	}

	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	var st syscall.Stat_t
	if err := syscall.Lstat(n.realPath(""), &st); err != nil {
		return toErrno(err)
	}
	out.FromStat(&st)
	n.overlay.padBlocks(&out.Attr)
	return fs.OK
}

// Setattr implements fs.NodeSetattrer (chmod, chown, truncate and
// utimens, including UTIME_OMIT handling for touch -a / touch -m).
func (n *overlayNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	p := n.realPath("")

	if mode, ok := in.GetMode(); ok {
		if err := syscall.Chmod(p, mode); err != nil {
			return toErrno(err)
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		newUID, newGID := -1, -1
		if uok {
			newUID = int(uid)
		}
		if gok {
			newGID = int(gid)
		}
		if err := unix.Lchown(p, newUID, newGID); err != nil {
			return toErrno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		if f, ok := fh.(*overlayFileHandle); ok {
			if err := syscall.Ftruncate(f.fd(), int64(size)); err != nil {
				return toErrno(err)
			}
		} else if err := syscall.Truncate(p, int64(size)); err != nil {
			return toErrno(err)
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		omit := unix.Timespec{Nsec: unix.UTIME_OMIT}
		ts := [2]unix.Timespec{omit, omit}
		if aok {
			ts[0] = unix.Timespec{Sec: atime.Unix(), Nsec: int64(atime.Nanosecond())}
		}
		if mok {
			ts[1] = unix.Timespec{Sec: mtime.Unix(), Nsec: int64(mtime.Nanosecond())}
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, p, ts[:], unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return toErrno(err)
		}
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(p, &st); err != nil {
		return toErrno(err)
	}
	out.FromStat(&st)
	n.overlay.padBlocks(&out.Attr)
	return fs.OK
}

// Readlink implements fs.NodeReadlinker.
func (n *overlayNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	target, err := os.Readlink(n.realPath(""))
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), fs.OK
}

// Mknod implements fs.NodeMknoder.
func (n *overlayNode) Mknod(ctx context.Context, name string, mode, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	p := n.realPath(name)
	if err := syscall.Mknod(p, mode, int(dev)); err != nil {
		return nil, toErrno(err)
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(p, &st); err != nil {
		return nil, toErrno(err)
	}
	out.Attr.FromStat(&st)
	n.overlay.padBlocks(&out.Attr)
	return n.newChild(ctx, &st), fs.OK
}

// Mkdir implements fs.NodeMkdirer.
func (n *overlayNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	p := n.realPath(name)
	if err := syscall.Mkdir(p, mode); err != nil {
		return nil, toErrno(err)
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(p, &st); err != nil {
		return nil, toErrno(err)
	}
	out.Attr.FromStat(&st)
	n.overlay.padBlocks(&out.Attr)
	return n.newChild(ctx, &st), fs.OK
}

// Unlink implements fs.NodeUnlinker.
func (n *overlayNode) Unlink(ctx context.Context, name string) syscall.Errno {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	return toErrno(syscall.Unlink(n.realPath(name)))
}

// Rmdir implements fs.NodeRmdirer.
func (n *overlayNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	return toErrno(syscall.Rmdir(n.realPath(name)))
}

// Symlink implements fs.NodeSymlinker.
func (n *overlayNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	p := n.realPath(name)
	if err := syscall.Symlink(target, p); err != nil {
		return nil, toErrno(err)
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(p, &st); err != nil {
		return nil, toErrno(err)
	}
	out.Attr.FromStat(&st)
	n.overlay.padBlocks(&out.Attr)
	return n.newChild(ctx, &st), fs.OK
}

// Rename implements fs.NodeRenamer.
func (n *overlayNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	oldPath := n.realPath(name)
	newPath := filepath.Join(n.overlay.opts.Root, newParent.EmbeddedInode().Path(nil), newName)

	if flags != 0 {
		return toErrno(unix.Renameat2(unix.AT_FDCWD, oldPath, unix.AT_FDCWD, newPath, uint(flags)))
	}
	return toErrno(syscall.Rename(oldPath, newPath))
}

// Link implements fs.NodeLinker.
func (n *overlayNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	oldPath := filepath.Join(n.overlay.opts.Root, target.EmbeddedInode().Path(nil))
	newPath := n.realPath(name)
	if err := syscall.Link(oldPath, newPath); err != nil {
		return nil, toErrno(err)
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(newPath, &st); err != nil {
		return nil, toErrno(err)
	}
	out.Attr.FromStat(&st)
	n.overlay.padBlocks(&out.Attr)
	return n.newChild(ctx, &st), fs.OK
}

// Open implements fs.NodeOpener. Flags pass through unchanged.
func (n *overlayNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	fd, err := syscall.Open(n.realPath(""), int(flags), 0)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return newOverlayFileHandle(fd, n.overlay), 0, fs.OK
}

// Create implements fs.NodeCreater.
func (n *overlayNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	p := n.realPath(name)
	fd, err := syscall.Open(p, int(flags)|syscall.O_CREAT, mode)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		syscall.Close(fd)
		return nil, nil, 0, toErrno(err)
	}
	out.Attr.FromStat(&st)
	n.overlay.padBlocks(&out.Attr)

	return n.newChild(ctx, &st), newOverlayFileHandle(fd, n.overlay), 0, fs.OK
}

// Statfs implements fs.NodeStatfser.
func (n *overlayNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	var st syscall.Statfs_t
	if err := syscall.Statfs(n.realPath(""), &st); err != nil {
		return toErrno(err)
	}
	out.FromStatfsT(&st)
	return fs.OK
}

// Getxattr implements fs.NodeGetxattrer.
func (n *overlayNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	sz, err := unix.Lgetxattr(n.realPath(""), attr, dest)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(sz), fs.OK
}

// Setxattr implements fs.NodeSetxattrer.
func (n *overlayNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	return toErrno(unix.Lsetxattr(n.realPath(""), attr, data, int(flags)))
}

// Listxattr implements fs.NodeListxattrer.
func (n *overlayNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	sz, err := unix.Llistxattr(n.realPath(""), dest)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(sz), fs.OK
}

// Removexattr implements fs.NodeRemovexattrer.
func (n *overlayNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	return toErrno(unix.Lremovexattr(n.realPath(""), attr))
}

// OpendirHandle implements fs.NodeOpendirHandler. It captures the
// directory snapshot for one listing session and registers it in the
// session table; go-fuse routes the READDIR and RELEASEDIR traffic
// back to the returned handle.
func (n *overlayNode) OpendirHandle(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	guard := n.overlay.dropPrivileges(ctx)
	defer guard.restore()

	snap, err := newDirSnapshot(n.realPath(""), n.overlay.opts)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &dirHandle{overlay: n.overlay, id: n.overlay.sessions.add(snap)}, 0, fs.OK
}

// dirHandle is one open directory session. pos indexes into the
// snapshot and doubles as the kernel-visible readdir offset. The
// dispatcher never uses one handle from two threads at once, so pos
// needs no locking.
type dirHandle struct {
	overlay *Overlay
	id      uint64
	pos     uint64
}

var _ = (fs.FileReaddirenter)((*dirHandle)(nil))
var _ = (fs.FileSeekdirer)((*dirHandle)(nil))
var _ = (fs.FileReleasedirer)((*dirHandle)(nil))
var _ = (fs.FileFsyncdirer)((*dirHandle)(nil))

// Readdirent returns the next entry of the session. A pass starting at
// position zero is a fresh enumeration, which is the moment the
// shuffle policy re-randomizes the snapshot; continuation positions
// read whatever permutation the last shuffle left behind.
func (h *dirHandle) Readdirent(ctx context.Context) (*fuse.DirEntry, syscall.Errno) {
	snap := h.overlay.sessions.get(h.id)
	if snap == nil {
		return nil, syscall.EBADF
	}
	if h.pos == 0 && h.overlay.opts.ShuffleDirents {
		shuffleEntries(snap.entries)
	}
	if h.pos >= uint64(len(snap.entries)) {
		return nil, fs.OK
	}
	e := snap.entries[h.pos]
	h.pos++
	return &fuse.DirEntry{
		Name: e.Name,
		Ino:  e.Ino,
		Mode: uint32(e.Type) << 12,
		Off:  h.pos,
	}, fs.OK
}

// Seekdir implements fs.FileSeekdirer.
func (h *dirHandle) Seekdir(ctx context.Context, off uint64) syscall.Errno {
	if h.overlay.sessions.get(h.id) == nil {
		return syscall.EBADF
	}
	h.pos = off
	return fs.OK
}

// Releasedir releases the session's snapshot exactly once; the handle
// is invalid afterwards.
func (h *dirHandle) Releasedir(ctx context.Context, releaseFlags uint32) {
	h.overlay.sessions.remove(h.id)
}

// Fsyncdir implements fs.FileFsyncdirer. The snapshot has nothing to
// sync; mutations went straight to the underlying tree.
func (h *dirHandle) Fsyncdir(ctx context.Context, flags uint32) syscall.Errno {
	return fs.OK
}

// toErrno converts a Go error to a syscall.Errno.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno
		}
	}
	if le, ok := err.(*os.LinkError); ok {
		if errno, ok := le.Err.(syscall.Errno); ok {
			return errno
		}
	}
	if os.IsNotExist(err) {
		return syscall.ENOENT
	}
	if os.IsPermission(err) {
		return syscall.EACCES
	}
	if os.IsExist(err) {
		return syscall.EEXIST
	}
	return syscall.EIO
}
