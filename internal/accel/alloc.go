package accel

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// System page size. Read at startup.
var pageSize uintptr

// PageAlignedAlloc allocates size bytes aligned to a page boundary.
func PageAlignedAlloc(size int) []byte {
	raw := make([]byte, size+int(pageSize))
	offset := pageSize - (uintptr(unsafe.Pointer(&raw[0])) % pageSize)
	if offset == pageSize {
		offset = 0
	}
	return raw[offset : int(offset)+size]
}

// PageSize returns the system page size.
func PageSize() int {
	return int(pageSize)
}

// RoundUpToPageSize rounds size up to a whole number of pages.
func RoundUpToPageSize(size int) int {
	return int((uintptr(size) + pageSize - 1) & ^(pageSize - 1))
}

func init() {
	pageSize = uintptr(unix.Getpagesize())
}
