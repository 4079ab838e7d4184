//go:build unix

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED) //nolint:gosec // G115: fd fits in int.
}

func munmapFile(data []byte) error {
	return unix.Munmap(data)
}
