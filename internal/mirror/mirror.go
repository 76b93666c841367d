// Package mirror implements the reconciliation orchestrator: it owns an
// origin Snapshot and a target Snapshot, drives their diffs through a
// FileService to keep the target directory byte-for-byte equal to the
// origin, and persists the origin Snapshot to disk between runs.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/wjongkind/cowmirror/internal/fileservice"
	"github.com/wjongkind/cowmirror/internal/mlog"
	"github.com/wjongkind/cowmirror/internal/snapshot"
)

// ErrRootUnreachable is returned by Check when the security gate finds
// that either the origin or target root has become unreachable. It is the
// one condition that aborts a tick immediately and is expected to
// propagate all the way to the scheduler, which performs a single clean
// process shutdown rather than risking a destructive operation against a
// half-vanished root.
var ErrRootUnreachable = errors.New("mirror: origin or target root is unreachable")

// Config configures a single origin/target pair.
type Config struct {
	OriginPath string
	TargetPath string

	// BufferKiB sets the copy transfer block size in kilobytes.
	BufferKiB int
	// MaxFileSize is the largest file, in bytes, that will be mirrored.
	MaxFileSize int64
	// IntervalMS is the tick period the scheduler should use for this
	// mirror. Mirror itself never schedules its own ticks.
	IntervalMS int
	// LibraryDir is the directory persisted libraries are written under.
	// Defaults to "mirrors" if empty.
	LibraryDir string
}

// Mirror is the reconciliation orchestrator for one origin/target pair.
type Mirror struct {
	mu   sync.Mutex
	busy atomic.Bool

	origin *snapshot.Snapshot
	target *snapshot.Snapshot

	originPath string
	targetPath string

	service fileservice.FileService

	bufferKiB   int
	intervalMS  int
	maxFileSize int64

	name       string
	libraryDir string
	log        *mlog.Logger

	originDev   uint64
	originDevOK bool
	targetDev   uint64
	targetDevOK bool
}

// New constructs a Mirror. Both roots must already exist and be
// directories. If a persisted library exists for this origin/target pair,
// it is loaded and any divergence it reveals is repaired immediately.
func New(ctx context.Context, cfg Config, service fileservice.FileService) (*Mirror, error) {
	if cfg.BufferKiB < 1 {
		return nil, fmt.Errorf("mirror: buffer size must be at least 1 KiB, got %d", cfg.BufferKiB)
	}

	originInfo, err := os.Stat(cfg.OriginPath)
	if err != nil || !originInfo.IsDir() {
		return nil, fmt.Errorf("mirror: origin path %q is not an accessible directory", cfg.OriginPath)
	}
	targetInfo, err := os.Stat(cfg.TargetPath)
	if err != nil || !targetInfo.IsDir() {
		return nil, fmt.Errorf("mirror: target path %q is not an accessible directory", cfg.TargetPath)
	}

	libraryDir := cfg.LibraryDir
	if libraryDir == "" {
		libraryDir = "mirrors"
	}

	m := &Mirror{
		origin:      snapshot.New(cfg.OriginPath),
		target:      snapshot.New(cfg.TargetPath),
		originPath:  filepath.Clean(cfg.OriginPath),
		targetPath:  filepath.Clean(cfg.TargetPath),
		service:     service,
		bufferKiB:   cfg.BufferKiB,
		intervalMS:  cfg.IntervalMS,
		maxFileSize: cfg.MaxFileSize,
		libraryDir:  libraryDir,
		name:        NameFor(cfg.OriginPath, cfg.TargetPath),
	}
	m.log = mlog.WithMirror(m.name)

	m.originDev, m.originDevOK = deviceID(m.originPath)
	m.targetDev, m.targetDevOK = deviceID(m.targetPath)

	// Eagerly index what already exists at the destination.
	if _, err := m.target.Update(ctx); err != nil {
		return nil, fmt.Errorf("mirror: initial target scan failed: %w", err)
	}

	if _, err := os.Stat(m.libraryPath()); err == nil {
		// A known library exists: bring origin's in-memory state up to
		// date so it is comparable against it, then reconcile.
		if _, err := m.origin.Update(ctx); err != nil {
			return nil, fmt.Errorf("mirror: initial origin scan failed: %w", err)
		}
		if err := m.loadLibrary(ctx); err != nil {
			return nil, fmt.Errorf("mirror: loading persisted library failed: %w", err)
		}
	}
	// Otherwise origin is left unrefreshed on purpose: the first Check
	// call will report the whole tree as added, matching a from-scratch
	// sync.

	return m, nil
}

// Name returns the mirror's stable, filename-safe identifier.
func (m *Mirror) Name() string { return m.name }

// IntervalMS returns the configured tick interval for this mirror.
func (m *Mirror) IntervalMS() int { return m.intervalMS }

// Busy reports whether a tick is currently in progress.
func (m *Mirror) Busy() bool { return m.busy.Load() }

// Close waits for any in-flight tick to finish. It does not cancel a
// running tick; mid-tick cancellation is explicitly out of scope.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return nil
}

// NameFor derives the stable, filename-safe identifier for an
// origin/target pair. It is exported so callers can address a mirror's
// on-disk artifacts (library, lock file) without constructing the Mirror
// first.
func NameFor(originPath, targetPath string) string {
	sum := sha256.Sum256([]byte(originPath + "-" + targetPath))
	encoded := base64.StdEncoding.EncodeToString(sum[:])
	encoded = strings.ReplaceAll(encoded, "/", "slash")
	encoded = strings.ReplaceAll(encoded, "+", "plus")
	encoded = strings.ReplaceAll(encoded, "=", "equals")
	return encoded
}

func (m *Mirror) libraryPath() string {
	return filepath.Join(m.libraryDir, m.name+".cm")
}

// relativePath computes path's location relative to root, computed fresh
// from the two absolute paths rather than carried via a stored parent
// pointer.
func relativePath(path, root string) string {
	rel := strings.TrimPrefix(path, root)
	return strings.TrimPrefix(rel, string(filepath.Separator))
}

func (m *Mirror) securityGate() bool {
	return rootReachable(m.originPath, m.originDev, m.originDevOK) &&
		rootReachable(m.targetPath, m.targetDev, m.targetDevOK)
}

func rootReachable(path string, dev uint64, devOK bool) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	if !devOK {
		return true
	}
	current, ok := deviceID(path)
	if !ok {
		return true
	}
	return current == dev
}

// Check runs one reconciliation tick: origin refresh, applying its diff to
// the mirror, a target refresh, and a final cross-compare repair pass. It
// is a no-op if a previous tick is still running - ticks are dropped, not
// queued. ErrRootUnreachable aborts the tick (and is expected to
// propagate to the scheduler, which performs a single clean process
// exit); any other per-item failure is logged and the tick continues
// with the next item.
func (m *Mirror) Check(ctx context.Context) error {
	if !m.mu.TryLock() {
		return nil
	}
	m.busy.Store(true)
	defer func() {
		m.busy.Store(false)
		m.mu.Unlock()
	}()

	originDiff, err := m.origin.Update(ctx)
	if err != nil {
		return fmt.Errorf("mirror %s: origin refresh failed: %w", m.name, err)
	}

	if !originDiff.Empty() && !m.securityGate() {
		return ErrRootUnreachable
	}

	for _, node := range originDiff.Added {
		if err := m.copyToMirror(ctx, node); err != nil {
			if errors.Is(err, ErrRootUnreachable) {
				return err
			}
			m.log.Warn("copy failed", "path", node.Path(), "error", err)
		}
	}
	for _, node := range originDiff.Updated {
		if err := m.copyToMirror(ctx, node); err != nil {
			if errors.Is(err, ErrRootUnreachable) {
				return err
			}
			m.log.Warn("copy failed", "path", node.Path(), "error", err)
		}
	}
	for _, node := range originDiff.Deleted {
		if err := m.deleteFromMirror(node); err != nil {
			if errors.Is(err, ErrRootUnreachable) {
				return err
			}
			m.log.Warn("delete failed", "path", node.Path(), "error", err)
		}
	}

	if _, err := m.target.Update(ctx); err != nil {
		return fmt.Errorf("mirror %s: target refresh failed: %w", m.name, err)
	}

	cmp := m.target.CompareTo(m.origin)
	for _, node := range cmp.Missing {
		if err := m.copyToMirror(ctx, node); err != nil {
			if errors.Is(err, ErrRootUnreachable) {
				return err
			}
			m.log.Warn("repair copy failed", "path", node.Path(), "error", err)
		}
	}
	for _, node := range cmp.Extra {
		if err := m.secureDelete(node.Path()); err != nil {
			if errors.Is(err, ErrRootUnreachable) {
				return err
			}
			m.log.Warn("repair delete failed", "path", node.Path(), "error", err)
		}
	}

	if !originDiff.Empty() {
		if err := m.persistLibrary(); err != nil {
			m.log.Warn("persisting library failed", "error", err)
		}
	}
	return nil
}

// copyToMirror mirrors node (and, for a directory, its whole current
// subtree) from origin to target. It is used both for freshly
// added/updated origin nodes and for repairing a node CompareTo reported
// missing on the target side - in the latter case node may be the root of
// an entirely absent subtree, which is why a directory recurses into its
// current children rather than being copied opaquely.
func (m *Mirror) copyToMirror(ctx context.Context, node *snapshot.Snapshot) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !m.service.Exists(node.Path()) {
		// Raced with a concurrent external change; the next tick's delete
		// pass will reconcile it.
		return nil
	}
	if !node.IsDir() && node.Size() > m.maxFileSize {
		return nil
	}
	if !m.securityGate() {
		return ErrRootUnreachable
	}

	targetPath := filepath.Join(m.targetPath, relativePath(node.Path(), m.originPath))

	if m.service.Exists(targetPath) {
		if err := m.service.Delete(targetPath); err != nil {
			m.log.Warn("best-effort pre-copy cleanup failed", "path", targetPath, "error", err)
		}
	}

	if node.IsDir() {
		if err := m.service.CreateDirectory(targetPath); err != nil {
			return err
		}
		for _, child := range node.Children() {
			if err := m.copyToMirror(ctx, child); err != nil {
				if errors.Is(err, ErrRootUnreachable) {
					return err
				}
				m.log.Warn("child copy failed", "path", child.Path(), "error", err)
			}
		}
		return nil
	}

	return m.service.Copy(node.Path(), targetPath, m.bufferKiB)
}

// deleteFromMirror removes node's (origin-side) counterpart from the
// target tree.
func (m *Mirror) deleteFromMirror(node *snapshot.Snapshot) error {
	targetPath := filepath.Join(m.targetPath, relativePath(node.Path(), m.originPath))
	return m.secureDelete(targetPath)
}

// secureDelete removes an already-resolved target-side path - used both by
// deleteFromMirror and directly for CompareTo's Extra nodes, whose Path()
// is already a target-rooted absolute path and needs no translation.
func (m *Mirror) secureDelete(path string) error {
	if !m.securityGate() {
		return ErrRootUnreachable
	}
	return m.service.Delete(path)
}

// loadLibrary cross-references the persisted library against the current
// (already refreshed) origin Snapshot: unchanged entries are skipped,
// anything new or diverged is copied to the mirror, and persisted entries
// whose path no longer exists under origin drive a synthetic delete batch
// against the mirror.
func (m *Mirror) loadLibrary(ctx context.Context) error {
	f, err := os.Open(m.libraryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	stored, err := snapshot.Load(f)
	closeErr := f.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	var toCopy []*snapshot.Snapshot
	walkSnapshot(m.origin, func(node *snapshot.Snapshot) {
		entry, ok := stored[node.Path()]
		if ok && entry.ModTimeMS == node.ModTimeMS() && entry.Size == node.Size() {
			delete(stored, node.Path())
			return
		}
		toCopy = append(toCopy, node)
	})

	for _, node := range toCopy {
		if err := m.copyToMirror(ctx, node); err != nil {
			if errors.Is(err, ErrRootUnreachable) {
				return err
			}
			m.log.Warn("restart resync copy failed", "path", node.Path(), "error", err)
		}
	}

	for path := range stored {
		m.log.Warn("origin path from persisted library no longer exists; removing from mirror", "path", path)
		targetPath := filepath.Join(m.targetPath, relativePath(path, m.originPath))
		if err := m.secureDelete(targetPath); err != nil {
			if errors.Is(err, ErrRootUnreachable) {
				return err
			}
			m.log.Warn("stale mirror cleanup failed", "path", targetPath, "error", err)
		}
	}

	return m.persistLibrary()
}

// walkSnapshot visits node and its subtree in pre-order.
func walkSnapshot(s *snapshot.Snapshot, visit func(*snapshot.Snapshot)) {
	visit(s)
	for _, c := range s.Children() {
		walkSnapshot(c, visit)
	}
}

// persistLibrary writes the origin Snapshot's library to disk via
// temp-file-and-rename, so a crash mid-write never leaves a truncated
// library behind.
func (m *Mirror) persistLibrary() error {
	if err := os.MkdirAll(m.libraryDir, 0o755); err != nil {
		return fmt.Errorf("mirror %s: creating library directory: %w", m.name, err)
	}

	tmpPath := m.libraryPath() + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("mirror %s: creating temp library file: %w", m.name, err)
	}
	if err := m.origin.Store(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("mirror %s: writing library: %w", m.name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mirror %s: closing library file: %w", m.name, err)
	}

	if err := os.Remove(m.libraryPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("mirror %s: removing old library file: %w", m.name, err)
	}
	if err := os.Rename(tmpPath, m.libraryPath()); err != nil {
		return fmt.Errorf("mirror %s: renaming library file: %w", m.name, err)
	}
	return nil
}
