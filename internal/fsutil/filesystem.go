// Package fsutil provides the read-only filesystem abstraction used to
// load configuration and replay files. Tests substitute an in-memory
// filesystem such as testing/fstest.MapFS.
package fsutil

import (
	"io/fs"
	"os"
)

// FileSystem abstracts read operations for testability.
// Use OSFileSystem for production; fstest.MapFS satisfies it for tests.
type FileSystem interface {
	// Open opens the named file for reading.
	Open(name string) (fs.File, error)

	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// Stat returns a FileInfo describing the named file.
	Stat(name string) (fs.FileInfo, error)
}

// OSFileSystem implements FileSystem using the os package. Unlike
// os.DirFS it accepts absolute and parent-relative paths.
type OSFileSystem struct{}

// Open opens a file for reading.
func (OSFileSystem) Open(name string) (fs.File, error) {
	return os.Open(name)
}

// ReadFile reads the entire file.
func (OSFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// Stat returns file info.
func (OSFileSystem) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

// Default is the filesystem used when callers do not supply one.
var Default FileSystem = OSFileSystem{}
