//go:build linux
// +build linux

// File: internal/shm/mmap_linux.go
// Author: momentics <momentics@gmail.com>

package shm

import "golang.org/x/sys/unix"

// mapShared maps anonymous shared memory so the rings survive fork and
// never move under the Go runtime.
func mapShared(size int) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}
	return mem, unix.Munmap, nil
}
