// Package mmap maps model files read-only into memory.
package mmap

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrClosed is returned by reads after Close.
var ErrClosed = errors.New("mmap: file closed")

// File is a read-only memory-mapped file. The mapping stays valid until
// Close; slices returned by Bytes must not be used afterwards.
type File struct {
	data   []byte
	closed bool
}

// Open maps the whole file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path) //nolint:gosec // G304: caller-supplied model path.
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	// The mapping outlives the descriptor.
	defer func() {
		_ = f.Close()
	}()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mmap: stat %s: %w", path, err)
	}
	size := stat.Size()
	if size == 0 {
		return &File{}, nil
	}
	if int64(int(size)) != size {
		return nil, fmt.Errorf("mmap: %s is too large to map (%d bytes)", path, size)
	}
	data, err := mmapFile(f, int(size))
	if err != nil {
		return nil, fmt.Errorf("mmap: map %s: %w", path, err)
	}
	return &File{data: data}, nil
}

// Len returns the mapped size in bytes.
func (m *File) Len() int { return len(m.data) }

// Bytes returns the mapped region. Callers must not write to it.
func (m *File) Bytes() []byte { return m.data }

// ReadAt implements io.ReaderAt.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("mmap: negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps the file. It is safe to call more than once.
func (m *File) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if len(m.data) == 0 {
		return nil
	}
	data := m.data
	m.data = nil
	return munmapFile(data)
}
