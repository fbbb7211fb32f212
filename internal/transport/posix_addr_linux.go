//go:build linux
// +build linux

// File: internal/transport/posix_addr_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// net.Addr <-> unix.Sockaddr conversion and errno classification.

package transport

import (
	"net"

	"github.com/mdlayher/vsock"
	"github.com/momentics/hioload-ioq/api"
	"golang.org/x/sys/unix"
)

func toSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return ipSockaddr(a.IP, a.Port, a.Zone)
	case *net.UDPAddr:
		return ipSockaddr(a.IP, a.Port, a.Zone)
	case *net.UnixAddr:
		return &unix.SockaddrUnix{Name: a.Name}, nil
	case *vsock.Addr:
		return &unix.SockaddrVM{CID: a.ContextID, Port: a.Port}, nil
	default:
		return nil, api.ErrInvalidArgument.WithContext("addr", addr)
	}
}

func ipSockaddr(ip net.IP, port int, zone string) (unix.Sockaddr, error) {
	if ip == nil {
		return &unix.SockaddrInet4{Port: port}, nil
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return nil, api.ErrInvalidArgument.WithContext("ip", ip.String())
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip16)
	if zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, nil
}

func fromSockaddr(sa unix.Sockaddr, sockType int) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(append([]byte(nil), a.Addr[:]...))
		if sockType == unix.SOCK_DGRAM {
			return &net.UDPAddr{IP: ip, Port: a.Port}
		}
		return &net.TCPAddr{IP: ip, Port: a.Port}
	case *unix.SockaddrInet6:
		ip := net.IP(append([]byte(nil), a.Addr[:]...))
		if sockType == unix.SOCK_DGRAM {
			return &net.UDPAddr{IP: ip, Port: a.Port}
		}
		return &net.TCPAddr{IP: ip, Port: a.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	case *unix.SockaddrVM:
		return &vsock.Addr{ContextID: a.CID, Port: a.Port}
	default:
		return nil
	}
}

// errnoError classifies a failed syscall into the library's error codes.
func errnoError(op string, err error) error {
	code := api.ErrCodeIO
	if errno, ok := err.(unix.Errno); ok {
		switch errno {
		case unix.EINVAL, unix.EBADF, unix.ENOTSOCK, unix.EISCONN, unix.ENOTCONN:
			code = api.ErrCodeInvalidArgument
		case unix.EPERM, unix.EACCES:
			code = api.ErrCodePermission
		case unix.EADDRINUSE, unix.EEXIST:
			code = api.ErrCodeAlreadyExists
		case unix.ENOENT:
			code = api.ErrCodeNotFound
		case unix.EOPNOTSUPP, unix.EAFNOSUPPORT, unix.EPROTONOSUPPORT, unix.ESOCKTNOSUPPORT:
			code = api.ErrCodeNotSupported
		}
	}
	return api.Errorf(code, err, "%s", op)
}
