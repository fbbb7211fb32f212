// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness reactor the posix backend sleeps on
// between polls. Only Linux (epoll) is implemented.
package reactor
