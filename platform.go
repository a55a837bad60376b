//go:build linux && amd64

package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// devKVM is the KVM character device. Tests point this at a scratch file so
// lifecycle paths can run against a fake ioctl layer.
var devKVM = "/dev/kvm"

// Supported returns true if KVM is present and this process may use it.
func Supported() (bool, error) {
	err := unix.Access(devKVM, unix.R_OK|unix.W_OK)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return false, nil
	default:
		return false, err
	}
}
