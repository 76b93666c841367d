// Package snapshot implements the in-memory directory-tree differential
// engine: a persistent tree of nodes mirroring a directory, which on
// request refreshes itself from disk (reporting added/updated/deleted
// nodes) or compares itself against another tree (reporting missing/extra
// nodes). It never performs destructive filesystem operations itself; the
// caller (the mirror orchestrator) drives copy/delete decisions off the
// diffs this package produces.
package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Snapshot is a single node of the tree: one filesystem entry (file or
// directory) as last observed. Children are owned by value (composition):
// dropping a Snapshot drops its whole subtree.
type Snapshot struct {
	path string
	name string

	mu        sync.Mutex
	isDir     bool
	size      int64
	modTimeMS int64
	children  map[string]*Snapshot
}

// maxChildWorkers bounds how many sibling subdirectories are recursed into
// concurrently during a single Update call.
var maxChildWorkers = func() int {
	n := runtime.GOMAXPROCS(0) * 2
	if n < 4 {
		n = 4
	}
	return n
}()

// New constructs a root Snapshot for path. Attributes are read eagerly, so
// a subsequent Update call may legitimately report no change if nothing
// moved between construction and that call.
func New(path string) *Snapshot {
	s := &Snapshot{
		path:     filepath.Clean(path),
		name:     filepath.Base(path),
		children: make(map[string]*Snapshot),
	}
	s.readAttrs()
	return s
}

func newChild(path string) *Snapshot {
	s := &Snapshot{
		path:     path,
		name:     filepath.Base(path),
		children: make(map[string]*Snapshot),
	}
	s.readAttrs()
	return s
}

// readAttrs performs the eager, best-effort attribute read used at
// construction time. A missing path simply leaves the node's attributes at
// their zero values; the following Update call will report it as deleted.
func (s *Snapshot) readAttrs() {
	info, err := os.Lstat(s.path)
	if err != nil {
		return
	}
	s.isDir = info.IsDir()
	if !s.isDir {
		s.size = info.Size()
	}
	s.modTimeMS = info.ModTime().UnixMilli()
}

// Path returns the node's absolute filesystem path.
func (s *Snapshot) Path() string { return s.path }

// Name returns the node's final path component.
func (s *Snapshot) Name() string { return s.name }

// IsDir reports whether the node was last observed as a directory.
func (s *Snapshot) IsDir() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDir
}

// Size returns the node's last observed byte length (0 for directories).
func (s *Snapshot) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// ModTimeMS returns the node's last observed modification time in whole
// milliseconds since the Unix epoch.
func (s *Snapshot) ModTimeMS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modTimeMS
}

// Children returns the node's current children, sorted by name for
// deterministic iteration.
func (s *Snapshot) Children() []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Snapshot, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Update refreshes this node and its subtree from disk, returning the
// nodes that were added, updated, or deleted. A Snapshot tree is owned
// and driven by a single caller at a time; the orchestrator's tick lock
// guarantees Update calls on one tree never overlap.
func (s *Snapshot) Update(ctx context.Context) (Diff, error) {
	return s.update(ctx)
}

func (s *Snapshot) update(ctx context.Context) (Diff, error) {
	info, err := os.Lstat(s.path)
	if err != nil {
		// Step 1: access check. The node vanished (or became unreachable);
		// report it as deleted and stop. Children are not individually
		// reported - the caller infers subtree deletion from this entry.
		return Diff{Deleted: []*Snapshot{s}}, nil
	}

	var diff Diff

	s.mu.Lock()
	newIsDir := info.IsDir()
	var newSize int64
	if !newIsDir {
		newSize = info.Size()
	}
	newModTimeMS := info.ModTime().UnixMilli()
	changed := newSize != s.size || newModTimeMS != s.modTimeMS || newIsDir != s.isDir
	s.size = newSize
	s.modTimeMS = newModTimeMS
	s.isDir = newIsDir
	s.mu.Unlock()

	if changed {
		diff.Updated = append(diff.Updated, s)
	}

	if newIsDir {
		childDiff, err := s.updateChildren(ctx)
		if err != nil {
			return diff, err
		}
		diff.merge(childDiff)
	} else {
		s.mu.Lock()
		hadChildren := len(s.children) > 0
		var vanished []*Snapshot
		if hadChildren {
			for _, c := range s.children {
				vanished = append(vanished, c)
			}
			s.children = make(map[string]*Snapshot)
		}
		s.mu.Unlock()
		// Step 5: directory-to-file transition. Direct children are
		// reported deleted; their own descendants are not walked, the
		// same "infer from parent" convention as step 1.
		diff.Deleted = append(diff.Deleted, vanished...)
	}

	return diff, nil
}

func (s *Snapshot) updateChildren(ctx context.Context) (Diff, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return Diff{}, err
	}

	s.mu.Lock()
	remaining := make(map[string]*Snapshot, len(s.children))
	for name, c := range s.children {
		remaining[name] = c
	}
	s.mu.Unlock()

	type work struct {
		child  *Snapshot
		isNew  bool
		result Diff
	}
	items := make([]*work, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		delete(remaining, name)

		s.mu.Lock()
		existing, ok := s.children[name]
		s.mu.Unlock()

		if ok {
			items = append(items, &work{child: existing})
			continue
		}

		childPath := filepath.Join(s.path, name)
		child := newChild(childPath)
		s.mu.Lock()
		s.children[name] = child
		s.mu.Unlock()
		items = append(items, &work{child: child, isNew: true})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxChildWorkers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			d, err := item.child.Update(gctx)
			item.result = d
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Diff{}, err
	}

	var diff Diff
	for _, item := range items {
		if item.isNew {
			diff.Added = append(diff.Added, item.child)
		}
		diff.merge(item.result)
	}

	if len(remaining) > 0 {
		s.mu.Lock()
		for name, c := range remaining {
			diff.Deleted = append(diff.Deleted, c)
			delete(s.children, name)
		}
		s.mu.Unlock()
	}

	return diff, nil
}
