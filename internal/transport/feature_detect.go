// File: internal/transport/feature_detect.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Advertises which backends and address families this build and host can
// serve, for backend selection and debug probes.

package transport

import (
	"os"
	"runtime"
)

// Features lists backend availability on the running host.
type Features struct {
	Posix        bool
	Netstack     bool
	SharedMemory bool
	Vsock        bool
	DPDK         bool
	OS           string
}

// DetectFeatures returns the features available on this OS/platform.
func DetectFeatures() Features {
	return Features{
		Posix:        runtime.GOOS == "linux",
		Netstack:     true,
		SharedMemory: true,
		Vsock:        HasVsockSupport(),
		DPDK:         false,
		OS:           runtime.GOOS,
	}
}

// RuntimeBackendSelector returns the preferred network backend name.
func RuntimeBackendSelector() string {
	if DetectFeatures().Posix {
		return "posix"
	}
	return "netstack"
}

// HasVsockSupport reports whether the host exposes an AF_VSOCK device.
var HasVsockSupport = func() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := os.Stat("/dev/vsock")
	return err == nil
}
