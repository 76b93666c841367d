package fileservice

import (
	"fmt"
	"os"
	"sync"
)

// Fake is a FileService for tests: it still performs real I/O (tests need
// the resulting tree to exist on disk for Snapshot to observe) but lets a
// test force specific calls to fail, and records every invocation for
// assertions.
type Fake struct {
	real OSFileService

	mu          sync.Mutex
	calls       []string
	failPaths   map[string]error
	failDeletes map[string]error
}

// NewFake returns a Fake backed by the real filesystem.
func NewFake() *Fake {
	return &Fake{
		failPaths:   make(map[string]error),
		failDeletes: make(map[string]error),
	}
}

var _ FileService = (*Fake)(nil)

// FailCopyTo makes any Copy whose target equals path, and any
// CreateDirectory of path, return err.
func (f *Fake) FailCopyTo(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPaths[path] = err
}

// FailDelete makes any Delete of path return err.
func (f *Fake) FailDelete(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDeletes[path] = err
}

// ClearFailures removes every forced failure, letting subsequent calls
// through to the real filesystem again.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPaths = make(map[string]error)
	f.failDeletes = make(map[string]error)
}

// Calls returns a copy of the recorded call log, in invocation order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// Copy implements FileService.
func (f *Fake) Copy(source, target string, bufferKiB int) error {
	f.record(fmt.Sprintf("copy %s -> %s", source, target))
	f.mu.Lock()
	err, forced := f.failPaths[target]
	f.mu.Unlock()
	if forced {
		return err
	}
	return f.real.Copy(source, target, bufferKiB)
}

// Delete implements FileService.
func (f *Fake) Delete(path string) error {
	f.record("delete " + path)
	f.mu.Lock()
	err, forced := f.failDeletes[path]
	f.mu.Unlock()
	if forced {
		return err
	}
	return f.real.Delete(path)
}

// CreateDirectory implements FileService.
func (f *Fake) CreateDirectory(path string) error {
	f.record("mkdir " + path)
	f.mu.Lock()
	err, forced := f.failPaths[path]
	f.mu.Unlock()
	if forced {
		return err
	}
	return f.real.CreateDirectory(path)
}

// CreateFile implements FileService.
func (f *Fake) CreateFile(path string) error {
	f.record("touch " + path)
	return f.real.CreateFile(path)
}

// Exists implements FileService.
func (f *Fake) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
