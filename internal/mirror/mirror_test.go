package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wjongkind/cowmirror/internal/fileservice"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func pathExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	t.Fatalf("unexpected stat error for %s: %v", path, err)
	return false
}

func newTestMirror(t *testing.T, originRoot, targetRoot string) *Mirror {
	t.Helper()
	cfg := Config{
		OriginPath:  originRoot,
		TargetPath:  targetRoot,
		BufferKiB:   4,
		MaxFileSize: 1 << 20,
		IntervalMS:  1000,
		LibraryDir:  t.TempDir(),
	}
	m, err := New(context.Background(), cfg, fileservice.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// S1 - initial sync.
func TestCheckInitialSync(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()

	writeFile(t, filepath.Join(origin, "a.txt"), "0123456789")
	if err := os.MkdirAll(filepath.Join(origin, "d1", "d2", "d3"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(origin, "d1", "b.txt"), "")

	m := newTestMirror(t, origin, target)
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	for _, rel := range []string{"a.txt", "d1", filepath.Join("d1", "b.txt"), filepath.Join("d1", "d2"), filepath.Join("d1", "d2", "d3")} {
		if !pathExists(t, filepath.Join(target, rel)) {
			t.Errorf("expected %s to exist on target", rel)
		}
	}
}

// S2 - file added between ticks.
func TestCheckFileAdded(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(origin, "a.txt"), "x")

	m := newTestMirror(t, origin, target)
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("initial Check: %v", err)
	}

	writeFile(t, filepath.Join(origin, "c.txt"), "hello")
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(target, "c.txt"))
	if err != nil {
		t.Fatalf("reading mirrored c.txt: %v", err)
	}
	if string(content) != "hello" {
		t.Fatalf("expected c.txt content %q, got %q", "hello", content)
	}
}

// S3 - file deleted between ticks.
func TestCheckFileDeleted(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()
	aPath := filepath.Join(origin, "a.txt")
	writeFile(t, aPath, "x")

	m := newTestMirror(t, origin, target)
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("initial Check: %v", err)
	}
	if !pathExists(t, filepath.Join(target, "a.txt")) {
		t.Fatalf("expected a.txt to exist on target after first tick")
	}

	if err := os.Remove(aPath); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if pathExists(t, filepath.Join(target, "a.txt")) {
		t.Fatalf("expected a.txt removed from target")
	}
}

// S4 - file modified between ticks.
func TestCheckFileModified(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()
	bPath := filepath.Join(origin, "d1", "b.txt")
	writeFile(t, bPath, "")

	m := newTestMirror(t, origin, target)
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("initial Check: %v", err)
	}

	newTime := time.Now().Add(2 * time.Second)
	writeFile(t, bPath, "0123456789012345678901234567890")
	if err := os.Chtimes(bPath, newTime, newTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	info, err := os.Stat(filepath.Join(target, "d1", "b.txt"))
	if err != nil {
		t.Fatalf("stat mirrored b.txt: %v", err)
	}
	if info.Size() != 31 {
		t.Fatalf("expected mirrored b.txt size 31, got %d", info.Size())
	}
}

// S5 - file replaced by a directory between ticks.
func TestCheckFileToDirectoryTransition(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()
	bPath := filepath.Join(origin, "d1", "b.txt")
	writeFile(t, bPath, "x")

	m := newTestMirror(t, origin, target)
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("initial Check: %v", err)
	}

	if err := os.Remove(bPath); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.MkdirAll(bPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	info, err := os.Stat(filepath.Join(target, "d1", "b.txt"))
	if err != nil {
		t.Fatalf("stat mirrored b.txt: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected mirrored b.txt to become a directory")
	}
}

// S6 - stray file created on target only.
func TestCheckRemovesStrayTargetFile(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(origin, "a.txt"), "x")

	m := newTestMirror(t, origin, target)
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("initial Check: %v", err)
	}

	writeFile(t, filepath.Join(target, "stray.bin"), "garbage")

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if pathExists(t, filepath.Join(target, "stray.bin")) {
		t.Fatalf("expected stray.bin removed from target")
	}
}

// S7 - files above max size are never mirrored.
func TestCheckSkipsOversizedFiles(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(origin, "big.bin"), "0123456789")

	cfg := Config{
		OriginPath:  origin,
		TargetPath:  target,
		BufferKiB:   4,
		MaxFileSize: 5,
		IntervalMS:  1000,
		LibraryDir:  t.TempDir(),
	}
	m, err := New(context.Background(), cfg, fileservice.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if pathExists(t, filepath.Join(target, "big.bin")) {
		t.Fatalf("expected big.bin to be skipped")
	}
}

// Idempotence: a second tick over a stable tree makes no further changes.
func TestCheckIsIdempotentOnStableTree(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(origin, "a.txt"), "stable")

	m := newTestMirror(t, origin, target)
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("first Check: %v", err)
	}
	info1, err := os.Stat(filepath.Join(target, "a.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("second Check: %v", err)
	}
	info2, err := os.Stat(filepath.Join(target, "a.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Fatalf("expected a.txt to be untouched by a no-op tick")
	}
}

// Non-destructive-on-failure: a vanished origin root must never drive
// deletions against the target.
func TestCheckAbortsWhenOriginVanishes(t *testing.T) {
	originParent := t.TempDir()
	origin := filepath.Join(originParent, "origin")
	if err := os.MkdirAll(origin, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	target := t.TempDir()
	writeFile(t, filepath.Join(origin, "a.txt"), "x")

	m := newTestMirror(t, origin, target)
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("initial Check: %v", err)
	}
	if !pathExists(t, filepath.Join(target, "a.txt")) {
		t.Fatalf("expected a.txt mirrored after first tick")
	}

	if err := os.RemoveAll(origin); err != nil {
		t.Fatalf("remove origin: %v", err)
	}

	err := m.Check(context.Background())
	if err != ErrRootUnreachable {
		t.Fatalf("expected ErrRootUnreachable, got %v", err)
	}
	if !pathExists(t, filepath.Join(target, "a.txt")) {
		t.Fatalf("target file must survive a vanished origin root")
	}
}

// A single file's copy failure must not abort the tick, and the failed
// copy must be repaired by a later tick once the fault clears.
func TestCheckContinuesPastSingleCopyFailureAndSelfHeals(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(origin, "a.txt"), "aaa")
	writeFile(t, filepath.Join(origin, "b.txt"), "bbb")

	fake := fileservice.NewFake()
	fake.FailCopyTo(filepath.Join(target, "a.txt"), errors.New("disk full"))

	cfg := Config{
		OriginPath:  origin,
		TargetPath:  target,
		BufferKiB:   4,
		MaxFileSize: 1 << 20,
		IntervalMS:  1000,
		LibraryDir:  t.TempDir(),
	}
	m, err := New(context.Background(), cfg, fake)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Check should survive a per-file copy failure: %v", err)
	}
	if !pathExists(t, filepath.Join(target, "b.txt")) {
		t.Fatalf("expected b.txt mirrored despite a.txt's failure")
	}
	if pathExists(t, filepath.Join(target, "a.txt")) {
		t.Fatalf("expected a.txt copy to have failed")
	}

	fake.ClearFailures()
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("repair Check: %v", err)
	}
	if !pathExists(t, filepath.Join(target, "a.txt")) {
		t.Fatalf("expected a.txt repaired once the fault cleared")
	}
}

// Snapshot round-trip via persisted library: restarting a Mirror against
// an unchanged tree should not re-copy anything.
func TestLoadLibraryResyncsUnchangedTree(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(origin, "a.txt"), "0123456789")

	libraryDir := t.TempDir()
	cfg := Config{
		OriginPath:  origin,
		TargetPath:  target,
		BufferKiB:   4,
		MaxFileSize: 1 << 20,
		IntervalMS:  1000,
		LibraryDir:  libraryDir,
	}
	m1, err := New(context.Background(), cfg, fileservice.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m1.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	m2, err := New(context.Background(), cfg, fileservice.New())
	if err != nil {
		t.Fatalf("restart New: %v", err)
	}
	if !pathExists(t, m2.libraryPath()) {
		t.Fatalf("expected persisted library to exist before restart")
	}
	if !pathExists(t, filepath.Join(target, "a.txt")) {
		t.Fatalf("expected a.txt still mirrored after restart")
	}
}

// Restarting after an origin-side delete drives a mirror-side delete too:
// stale library entries are acted on, not ignored.
func TestLoadLibraryRemovesStaleMirrorEntry(t *testing.T) {
	origin := t.TempDir()
	target := t.TempDir()
	aPath := filepath.Join(origin, "a.txt")
	writeFile(t, aPath, "0123456789")

	libraryDir := t.TempDir()
	cfg := Config{
		OriginPath:  origin,
		TargetPath:  target,
		BufferKiB:   4,
		MaxFileSize: 1 << 20,
		IntervalMS:  1000,
		LibraryDir:  libraryDir,
	}
	m1, err := New(context.Background(), cfg, fileservice.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m1.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	if err := os.Remove(aPath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, err := New(context.Background(), cfg, fileservice.New()); err != nil {
		t.Fatalf("restart New: %v", err)
	}
	if pathExists(t, filepath.Join(target, "a.txt")) {
		t.Fatalf("expected stale a.txt removed from target on restart")
	}
}
