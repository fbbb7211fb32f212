//go:build linux
// +build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific implementation for setting thread CPU affinity.

package affinity

import (
	"os"

	"github.com/momentics/hioload-ioq/api"
	"golang.org/x/sys/unix"
)

// setAffinityPlatform sets thread affinity to a given CPU for Linux.
func setAffinityPlatform(cpuID int) error {
	var set unix.CPUSet
	set.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return api.Errorf(api.ErrCodeIO, err, "sched_setaffinity")
	}
	return nil
}

// resetAffinityPlatform copies the main thread's CPU set onto this thread.
func resetAffinityPlatform() error {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(os.Getpid(), &set); err != nil {
		return api.Errorf(api.ErrCodeIO, err, "sched_getaffinity")
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return api.Errorf(api.ErrCodeIO, err, "sched_setaffinity")
	}
	return nil
}
