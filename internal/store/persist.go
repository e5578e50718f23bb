package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Persister reads and writes the whole configuration image at once.
type Persister interface {
	Read() ([]byte, error)
	Write(image []byte) error
}

// ErrNoImage is returned by a Persister that has never been written.
var ErrNoImage = errors.New("store: no persisted image")

// FilePersister keeps the image in a single file, the way the node keeps it
// in a flash page. Writes are synchronous and not atomic.
type FilePersister struct {
	path string
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

func (f *FilePersister) Read() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoImage
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return data, nil
}

func (f *FilePersister) Write(image []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(f.path), err)
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	if _, err := fh.Write(image); err != nil {
		fh.Close()
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return fmt.Errorf("sync %s: %w", f.path, err)
	}
	return fh.Close()
}

// MemPersister is an in-memory Persister.
type MemPersister struct {
	mu     sync.Mutex
	image  []byte
	writes int
}

func (m *MemPersister) Read() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.image == nil {
		return nil, ErrNoImage
	}
	return append([]byte(nil), m.image...), nil
}

func (m *MemPersister) Write(image []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.image = append([]byte(nil), image...)
	m.writes++
	return nil
}

// Writes returns how many times the image was written.
func (m *MemPersister) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
