//go:build darwin

package arena

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func mmapFile(fd uintptr, offset int64, length int, prot, flags int) ([]byte, error) {
	return syscall.Mmap(int(fd), offset, length, prot, flags)
}

func unmapFile(data []byte) error {
	return syscall.Munmap(data)
}

// darwin has no fallocate syscall; grow the file to the target length
// with ftruncate instead.
func fallocateFile(fd uintptr, offset int64, length int64) error {
	return unix.Ftruncate(int(fd), offset+length)
}
