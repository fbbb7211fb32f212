// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity of a polling loop. Platform-specific
// implementations are located in separate files guarded by build tags.

package affinity

import (
	"runtime"

	"github.com/momentics/hioload-ioq/api"
)

// SetAffinity locks the calling goroutine to its OS thread and restricts
// that thread to cpuID. Call Release from the same goroutine to undo it.
func SetAffinity(cpuID int) error {
	if cpuID < 0 || cpuID >= runtime.NumCPU() {
		return api.ErrInvalidArgument.WithContext("cpu", cpuID)
	}
	runtime.LockOSThread()
	if err := setAffinityPlatform(cpuID); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	return nil
}

// Release restores the process CPU set on the current thread and unlocks
// it from the calling goroutine.
func Release() error {
	defer runtime.UnlockOSThread()
	return resetAffinityPlatform()
}
