// Package shm
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared-memory segments and SPSC byte rings backing the shared queue
// backend. Each channel maps one segment holding one ring per direction.
package shm
