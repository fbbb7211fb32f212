//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollReactor implements Reactor using level-triggered epoll.
type epollReactor struct {
	epfd int
}

// NewReactor constructs the epoll reactor.
func NewReactor() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollReactor{epfd: epfd}, nil
}

func toEpoll(fd int, events FDEventType) *unix.EpollEvent {
	ev := &unix.EpollEvent{Fd: int32(fd)}
	if events&EventRead != 0 {
		ev.Events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	return ev
}

// Register adds fd to the interest list.
func (r *epollReactor) Register(fd int, events FDEventType) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, toEpoll(fd, events)); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Modify replaces the interest mask of fd.
func (r *epollReactor) Modify(fd int, events FDEventType) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, toEpoll(fd, events)); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Unregister removes fd from the interest list.
func (r *epollReactor) Unregister(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait blocks for readiness on registered descriptors.
func (r *epollReactor) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	raw := make([]unix.EpollEvent, len(events))
	n, err := unix.EpollWait(r.epfd, raw, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		var t FDEventType
		if raw[i].Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			t |= EventRead
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			t |= EventWrite
		}
		if raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			t |= EventError
		}
		events[i] = Event{Fd: int(raw[i].Fd), Events: t}
	}
	return n, nil
}

// Close releases the epoll descriptor.
func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
