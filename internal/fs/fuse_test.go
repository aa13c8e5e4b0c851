package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shufflefs/shufflefs/pkg/types"
)

// checkFUSEAvailable checks if FUSE is available on the system.
func checkFUSEAvailable(t *testing.T) {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skipf("skipping test: FUSE tests not supported on %s", runtime.GOOS)
	}
	if _, err := os.Stat("/dev/fuse"); os.IsNotExist(err) {
		t.Skip("skipping test: FUSE is not available (/dev/fuse not found)")
	}
}

// ============================================================================
// Unit Tests (no FUSE mount required)
// ============================================================================

func TestNewOverlay_ValidOptions(t *testing.T) {
	tmpDir := t.TempDir()

	o, err := NewOverlay(Options{Root: tmpDir, MountPoint: "/tmp/test-mount"})
	if err != nil {
		t.Errorf("NewOverlay with valid options should succeed, got: %v", err)
	}
	if o == nil {
		t.Error("expected non-nil Overlay")
	}
}

func TestNewOverlay_EmptyRoot(t *testing.T) {
	_, err := NewOverlay(Options{Root: "", MountPoint: "/tmp/test-mount"})
	if err != types.ErrInvalidRoot {
		t.Errorf("expected ErrInvalidRoot, got: %v", err)
	}
}

func TestNewOverlay_RelativeRoot(t *testing.T) {
	_, err := NewOverlay(Options{Root: "relative/path", MountPoint: "/tmp/test-mount"})
	if err != types.ErrInvalidRoot {
		t.Errorf("expected ErrInvalidRoot, got: %v", err)
	}
}

func TestNewOverlay_RootNotExist(t *testing.T) {
	_, err := NewOverlay(Options{
		Root:       "/nonexistent/path/that/does/not/exist",
		MountPoint: "/tmp/test-mount",
	})
	if err == nil {
		t.Error("NewOverlay with nonexistent root should fail")
	}
}

func TestNewOverlay_RootIsFile(t *testing.T) {
	tmpDir := t.TempDir()
	file := filepath.Join(tmpDir, "file")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	_, err := NewOverlay(Options{Root: file, MountPoint: "/tmp/test-mount"})
	if err != types.ErrInvalidRoot {
		t.Errorf("expected ErrInvalidRoot, got: %v", err)
	}
}

func TestNewOverlay_EmptyMountPoint(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := NewOverlay(Options{Root: tmpDir, MountPoint: ""})
	if err != types.ErrInvalidMountPoint {
		t.Errorf("expected ErrInvalidMountPoint, got: %v", err)
	}
}

func TestOverlay_IsMounted_BeforeMount(t *testing.T) {
	tmpDir := t.TempDir()

	o, err := NewOverlay(Options{Root: tmpDir, MountPoint: "/tmp/test-mount"})
	if err != nil {
		t.Fatalf("NewOverlay failed: %v", err)
	}
	if o.IsMounted() {
		t.Error("IsMounted should return false before mount")
	}
}

func TestOverlay_Unmount_BeforeMount(t *testing.T) {
	tmpDir := t.TempDir()

	o, err := NewOverlay(Options{Root: tmpDir, MountPoint: "/tmp/test-mount"})
	if err != nil {
		t.Fatalf("NewOverlay failed: %v", err)
	}
	if err := o.Unmount(); err != types.ErrNotMounted {
		t.Errorf("expected ErrNotMounted, got: %v", err)
	}
}

// ============================================================================
// Integration Tests (require FUSE mount)
// ============================================================================

// setupTestMount mounts an overlay over root with the given options.
// Returns the mount point and a cleanup function.
func setupTestMount(t *testing.T, opts Options) (string, func()) {
	t.Helper()

	checkFUSEAvailable(t)

	mountPoint, err := os.MkdirTemp("", "shufflefs-mount-*")
	if err != nil {
		t.Fatalf("failed to create mount point: %v", err)
	}
	opts.MountPoint = mountPoint

	o, err := NewOverlay(opts)
	if err != nil {
		os.RemoveAll(mountPoint)
		t.Fatalf("failed to create overlay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- o.Mount(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.IsMounted() {
			break
		}
		select {
		case err := <-errCh:
			cancel()
			os.RemoveAll(mountPoint)
			// /dev/fuse existing does not guarantee the mount
			// helper binaries are installed.
			var execErr *exec.Error
			if errors.As(err, &execErr) {
				t.Skipf("skipping test: FUSE mount helper unavailable: %v", err)
			}
			t.Fatalf("mount failed: %v", err)
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}

	if !o.IsMounted() {
		cancel()
		os.RemoveAll(mountPoint)
		t.Skip("skipping test: FUSE mount timed out (FUSE may not be properly configured)")
	}

	cleanup := func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Log("warning: unmount timed out")
		}
		os.RemoveAll(mountPoint)
	}

	return mountPoint, cleanup
}

// listNames reads a directory through the kernel without any
// client-side sorting. Readdirnames reports names in the order the
// filesystem yields them and omits "." and "..".
func listNames(t *testing.T, dir string) []string {
	t.Helper()

	f, err := os.Open(dir)
	if err != nil {
		t.Fatalf("failed to open %s: %v", dir, err)
	}
	defer f.Close()

	listed, err := f.Readdirnames(-1)
	if err != nil {
		t.Fatalf("failed to list %s: %v", dir, err)
	}
	return listed
}

func TestOverlay_ReadDir_SortedReversed(t *testing.T) {
	rootDir := t.TempDir()
	writeTestFiles(t, rootDir, []string{"banana", "apple", "cherry"})

	mountPoint, cleanup := setupTestMount(t, Options{
		Root:           rootDir,
		SortDirents:    true,
		ReverseDirents: true,
	})
	defer cleanup()

	got := listNames(t, mountPoint)
	want := []string{"cherry", "banana", "apple"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected listing %v, got %v", want, got)
	}
}

func TestOverlay_ReadDir_Sorted(t *testing.T) {
	rootDir := t.TempDir()
	writeTestFiles(t, rootDir, []string{"banana", "apple", "cherry"})

	mountPoint, cleanup := setupTestMount(t, Options{
		Root:        rootDir,
		SortDirents: true,
	})
	defer cleanup()

	got := listNames(t, mountPoint)
	want := []string{"apple", "banana", "cherry"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected listing %v, got %v", want, got)
	}
}

func TestOverlay_ReadDir_ReversesRawOrder(t *testing.T) {
	rootDir := t.TempDir()
	writeTestFiles(t, rootDir, []string{"banana", "apple", "cherry"})

	raw, err := readRawDir(rootDir)
	if err != nil {
		t.Fatalf("readRawDir failed: %v", err)
	}
	var want []string
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		want = append(want, e.Name)
	}
	reverseStrings(want)

	mountPoint, cleanup := setupTestMount(t, Options{
		Root:           rootDir,
		ReverseDirents: true,
	})
	defer cleanup()

	got := listNames(t, mountPoint)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected reversed raw order %v, got %v", want, got)
	}
}

func TestOverlay_ReadDir_ShufflePreservesNames(t *testing.T) {
	rootDir := t.TempDir()
	var files []string
	for i := 0; i < 20; i++ {
		files = append(files, fmt.Sprintf("file-%02d", i))
	}
	writeTestFiles(t, rootDir, files)

	mountPoint, cleanup := setupTestMount(t, Options{
		Root:           rootDir,
		ShuffleDirents: true,
	})
	defer cleanup()

	got := listNames(t, mountPoint)
	sort.Strings(got)
	if !reflect.DeepEqual(got, files) {
		t.Errorf("shuffled listing changed the name set: want %v, got %v", files, got)
	}
}

func TestOverlay_ReadDir_ShuffleDiffersAcrossListings(t *testing.T) {
	rootDir := t.TempDir()
	var files []string
	for i := 0; i < 40; i++ {
		files = append(files, fmt.Sprintf("file-%02d", i))
	}
	writeTestFiles(t, rootDir, files)

	mountPoint, cleanup := setupTestMount(t, Options{
		Root:           rootDir,
		ShuffleDirents: true,
	})
	defer cleanup()

	// Each open of the directory is an independent listing; with 40
	// entries two identical permutations in a row are effectively
	// impossible, but allow a couple of retries to rule out flakes.
	first := listNames(t, mountPoint)
	for attempt := 0; attempt < 3; attempt++ {
		second := listNames(t, mountPoint)
		if !reflect.DeepEqual(first, second) {
			return
		}
	}
	t.Error("repeated listings returned the same ordering")
}

func TestOverlay_PadBlocks(t *testing.T) {
	rootDir := t.TempDir()
	writeTestFiles(t, rootDir, []string{"file"})

	mountPoint, cleanup := setupTestMount(t, Options{
		Root:      rootDir,
		PadBlocks: 1,
	})
	defer cleanup()

	var rootSt, mountSt syscall.Stat_t
	if err := syscall.Stat(filepath.Join(rootDir, "file"), &rootSt); err != nil {
		t.Fatalf("stat on underlying file failed: %v", err)
	}
	if err := syscall.Stat(filepath.Join(mountPoint, "file"), &mountSt); err != nil {
		t.Fatalf("stat through mount failed: %v", err)
	}

	if mountSt.Blocks != rootSt.Blocks+1 {
		t.Errorf("expected %d blocks through mount, got %d", rootSt.Blocks+1, mountSt.Blocks)
	}
	if mountSt.Size != rootSt.Size {
		t.Errorf("block padding must not change the size: want %d, got %d", rootSt.Size, mountSt.Size)
	}
}

func TestOverlay_WriteThrough(t *testing.T) {
	rootDir := t.TempDir()

	mountPoint, cleanup := setupTestMount(t, Options{Root: rootDir})
	defer cleanup()

	content := []byte("written through the mount")
	if err := os.WriteFile(filepath.Join(mountPoint, "new.txt"), content, 0644); err != nil {
		t.Fatalf("write through mount failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(rootDir, "new.txt"))
	if err != nil {
		t.Fatalf("read from underlying tree failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("expected content %q, got %q", content, got)
	}
}

func TestOverlay_ReadThrough(t *testing.T) {
	rootDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootDir, "data.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	mountPoint, cleanup := setupTestMount(t, Options{Root: rootDir})
	defer cleanup()

	got, err := os.ReadFile(filepath.Join(mountPoint, "data.txt"))
	if err != nil {
		t.Fatalf("read through mount failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestOverlay_MkdirRename(t *testing.T) {
	rootDir := t.TempDir()

	mountPoint, cleanup := setupTestMount(t, Options{Root: rootDir})
	defer cleanup()

	if err := os.Mkdir(filepath.Join(mountPoint, "dir"), 0755); err != nil {
		t.Fatalf("mkdir through mount failed: %v", err)
	}
	if err := os.Rename(filepath.Join(mountPoint, "dir"), filepath.Join(mountPoint, "renamed")); err != nil {
		t.Fatalf("rename through mount failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(rootDir, "renamed"))
	if err != nil {
		t.Fatalf("renamed directory missing from underlying tree: %v", err)
	}
	if !info.IsDir() {
		t.Error("renamed entry is not a directory")
	}
}

func TestOverlay_RenameNoReplace(t *testing.T) {
	rootDir := t.TempDir()
	writeTestFiles(t, rootDir, []string{"src", "existing"})

	mountPoint, cleanup := setupTestMount(t, Options{Root: rootDir})
	defer cleanup()

	// RENAME_NOREPLACE reaches the overlay as a flagged rename and must
	// refuse to clobber the target.
	err := unix.Renameat2(unix.AT_FDCWD, filepath.Join(mountPoint, "src"),
		unix.AT_FDCWD, filepath.Join(mountPoint, "existing"), unix.RENAME_NOREPLACE)
	if err != unix.EEXIST {
		t.Errorf("expected EEXIST for flagged rename onto existing target, got: %v", err)
	}

	err = unix.Renameat2(unix.AT_FDCWD, filepath.Join(mountPoint, "src"),
		unix.AT_FDCWD, filepath.Join(mountPoint, "fresh"), unix.RENAME_NOREPLACE)
	if err != nil {
		t.Fatalf("flagged rename to fresh name failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rootDir, "fresh")); err != nil {
		t.Errorf("renamed file missing from underlying tree: %v", err)
	}
}
