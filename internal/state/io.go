package state

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// FullReader is config source: file system or map in tests.
// ReadAll returns nil,nil for missing key, so optional includes may be skipped.
type FullReader interface {
	Normalize(key string) string
	ReadAll(key string) ([]byte, error)
}

// OsFullReader resolves relative includes against directory of main config.
type OsFullReader struct{ base string }

func NewOsFullReader() *OsFullReader { return &OsFullReader{base: "."} }

func (self *OsFullReader) SetBase(dir string) {
	if dir == "" {
		dir = "."
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	self.base = dir
}

func (self *OsFullReader) Normalize(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(self.base, path)
	}
	return filepath.Clean(path)
}

func (*OsFullReader) ReadAll(path string) ([]byte, error) {
	switch fi, err := os.Stat(path); {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, errors.Annotatef(err, "config stat path=%s", path)
	case fi.IsDir():
		return nil, errors.NotValidf("config path=%s is directory", path)
	}
	b, err := os.ReadFile(path)
	return b, errors.Annotatef(err, "config read path=%s", path)
}

// MockFullReader maps source name to content.
type MockFullReader map[string]string

func NewMockFullReader(sources map[string]string) MockFullReader { return MockFullReader(sources) }

func (MockFullReader) Normalize(name string) string { return filepath.Clean(name) }

func (self MockFullReader) ReadAll(name string) ([]byte, error) {
	s, ok := self[name]
	if !ok {
		return nil, nil
	}
	return []byte(s), nil
}
