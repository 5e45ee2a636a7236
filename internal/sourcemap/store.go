package sourcemap

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobg/flock"
	"github.com/natefinch/atomic"

	"github.com/angeld23/axosync/internal/errs"
)

// FileName is the name of the persisted document inside the sourcemap directory.
const FileName = "sourcemap.json"

// Store loads and saves the sourcemap document as a single unit.
//
// Load and Save take no lock. Processes sharing a document hold Lock for
// the whole load-mutate-save cycle; it is an advisory lock on a file next
// to the document.
type Store struct {
	path    string
	flocker flock.Locker
}

// NewStore returns a store for dir/sourcemap.json.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, FileName)}
}

// NewStoreAt returns a store for an explicit document path.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

// Path returns the location of the persisted document.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

// Lock blocks until this store holds the document's lock file.
func (s *Store) Lock() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &errs.FileSystemError{Op: "create directory", Path: dir, Err: err}
		}
	}
	if err := s.flocker.Lock(s.lockPath()); err != nil {
		return &errs.FileSystemError{Op: "lock", Path: s.lockPath(), Err: err}
	}
	return nil
}

// Unlock releases the lock taken by Lock.
func (s *Store) Unlock() error {
	if err := s.flocker.Unlock(s.lockPath()); err != nil {
		return &errs.FileSystemError{Op: "unlock", Path: s.lockPath(), Err: err}
	}
	return nil
}

// Owns reports whether path is the document or a file the store creates
// beside it: the lock file and the temporary files written by Save.
func (s *Store) Owns(path string) bool {
	path = filepath.Clean(path)
	if filepath.Dir(path) != filepath.Dir(s.path) {
		return false
	}
	return strings.HasPrefix(filepath.Base(path), filepath.Base(s.path))
}

// Load reads the persisted tree. A missing document is not an error,
// an empty root is returned instead.
func (s *Store) Load() (*Instance, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Instance{}, nil
		}
		return nil, &errs.FileSystemError{Op: "read", Path: s.path, Err: err}
	}

	root, err := Decode(data)
	if err != nil {
		return nil, &errs.FormatError{Source: s.path, Err: err}
	}
	return root, nil
}

// Save replaces the persisted document with root. The write goes through a
// temporary file and a rename, so readers see either the old or the new
// document in full.
func (s *Store) Save(root *Instance) error {
	if root == nil {
		root = &Instance{}
	}

	data, err := Encode(root)
	if err != nil {
		return &errs.FormatError{Source: s.path, Err: err}
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &errs.FileSystemError{Op: "create directory", Path: dir, Err: err}
		}
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return &errs.FileSystemError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

// Encode renders a tree the way it is stored on disk: pretty-printed JSON
// with default-valued fields omitted.
func Encode(root *Instance) ([]byte, error) {
	return json.MarshalIndent(root, "", "  ")
}

// Decode parses a stored document.
func Decode(data []byte) (*Instance, error) {
	var root Instance
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return &root, nil
}
