// Package fileservice provides the narrow set of destructive filesystem
// primitives that the mirror orchestrator is allowed to perform. It is the
// only layer that ever touches the mirror's filesystem; everything above it
// works in terms of Snapshot nodes and relative paths.
package fileservice

import (
	"io"
	"os"
	"path/filepath"
)

// minBufferKiB is the smallest copy buffer size accepted by Copy.
const minBufferKiB = 1

// FileService is the capability interface consumed by the mirror
// orchestrator. The production implementation is OSFileService; tests use
// Fake, which performs the same real I/O but can be told to fail chosen
// calls and records every call for assertions.
type FileService interface {
	// Copy copies the file at source to target, creating target's parent
	// directories as needed and overwriting target if it already exists.
	// bufferKiB sets the transfer block size in kilobytes; values below 1
	// are treated as 1.
	Copy(source, target string, bufferKiB int) error

	// Delete recursively removes the file or directory tree rooted at
	// path, children before parent. Succeeds silently if path does not
	// exist.
	Delete(path string) error

	// CreateDirectory creates path and all missing parents. Idempotent.
	CreateDirectory(path string) error

	// CreateFile creates an empty file at path, creating parent
	// directories as needed. Idempotent if the file already exists.
	CreateFile(path string) error

	// Exists reports whether path currently exists, without
	// distinguishing file from directory.
	Exists(path string) bool
}

// OSFileService is the production FileService backed directly by the
// operating system's filesystem.
type OSFileService struct{}

// New returns the production OS-backed FileService.
func New() *OSFileService {
	return &OSFileService{}
}

var _ FileService = (*OSFileService)(nil)

// Copy implements FileService.
func (s *OSFileService) Copy(source, target string, bufferKiB int) error {
	if bufferKiB < minBufferKiB {
		bufferKiB = minBufferKiB
	}

	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	buf := copyBuffers.get(bufferKiB * 1024)
	defer copyBuffers.put(buf)
	if _, err := io.CopyBuffer(out, in, *buf); err != nil {
		return err
	}
	return out.Close()
}

// Delete implements FileService.
func (s *OSFileService) Delete(path string) error {
	// os.RemoveAll already returns nil when path does not exist, and
	// removes children before the parent.
	return os.RemoveAll(path)
}

// CreateDirectory implements FileService.
func (s *OSFileService) CreateDirectory(path string) error {
	return os.MkdirAll(path, 0o755)
}

// CreateFile implements FileService.
func (s *OSFileService) CreateFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Exists implements FileService.
func (s *OSFileService) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
