//go:build windows

package mmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mmapFile(f *os.File, size int) ([]byte, error) {
	handle, err := windows.CreateFileMapping(
		windows.Handle(f.Fd()),
		nil,
		windows.PAGE_READONLY,
		uint32(uint64(size)>>32), //nolint:gosec // G115: high word of the size.
		uint32(size),             //nolint:gosec // G115: low word of the size.
		nil,
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = windows.CloseHandle(handle) // The view keeps the mapping alive.
	}()

	addr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil //nolint:gosec // G103: addr is a live mapped view.
}

func munmapFile(data []byte) error {
	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&data[0]))) //nolint:gosec // G103: start of the mapped view.
}
