//go:build linux && amd64

package kvm

import "golang.org/x/sys/unix"

// ioctler abstracts the raw ioctl syscall so tests can substitute a fake
// and exercise failure paths without /dev/kvm.
type ioctler interface {
	ioctl(fd, req, arg uintptr) (uintptr, error)
}

var kvmIoctl ioctler = osIoctler{}

type osIoctler struct{}

func (osIoctler) ioctl(fd, req, arg uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return r1, errno
	}
	return r1, nil
}
