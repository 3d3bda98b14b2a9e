package fs

import (
	"os"

	"go.uber.org/fx"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// FS wraps the filesystem operations used by lspmcp so that controllers can
// be tested without touching the disk.
type FS interface {
	ReadFile(name string) ([]byte, error)
	FileExists(path string) (bool, error)
}

type fsImpl struct{}

// New creates a new FS backed by the OS filesystem.
func New() FS {
	return fsImpl{}
}

func (fsImpl) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (fsImpl) FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}
