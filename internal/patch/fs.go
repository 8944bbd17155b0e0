package patch

import (
	"io/fs"
	"os"
	"path/filepath"

	"patchgate/internal/fsutil"
)

// fileSystem is the set of filesystem calls the pipeline makes. Tests swap
// it to inject failures and to hold an apply mid-flight.
type fileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	MkdirAll(path string, perm fs.FileMode) error
	WriteFileAtomic(name string, data []byte, perm fs.FileMode) error
	Remove(name string) error
	EvalSymlinks(path string) (string, error)
}

type osFS struct{}

func (osFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (osFS) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }
func (osFS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }
func (osFS) Remove(name string) error { return os.Remove(name) }
func (osFS) EvalSymlinks(path string) (string, error) { return filepath.EvalSymlinks(path) }
func (osFS) WriteFileAtomic(name string, data []byte, perm fs.FileMode) error {
	return fsutil.WriteFileAtomic(name, data, perm)
}
