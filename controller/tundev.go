package controller

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ccvpn-oss/ccvpn/ccerr"
)

// ifReqFlags mirrors the kernel's struct ifreq for the TUNSETIFF ioctl:
// a 16-byte interface name followed by a flags field, padded out to
// the kernel's expected size. Grounded on xsd.go's own raw-ioctl
// helper (SYS_IOCTL via syscall.Syscall6); applicator.CreateTUN already
// created the interface at the netlink layer, so this only needs to
// attach a file descriptor to the existing device, not create one.
type ifReqFlags struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// openTUNHandle opens /dev/net/tun and binds it to an already-created
// TUN interface (by name), returning an *os.File the controller can
// hand to a carrier's StartShuttle. applicator.Applicator.CreateTUN
// only programs netlink state; it never returns an I/O handle, so the
// controller must open this itself once the device exists.
func openTUNHandle(devName string) (*os.File, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, ccerr.Transp("tun_open_failed", "open /dev/net/tun", err)
	}

	var req ifReqFlags
	if len(devName) >= unix.IFNAMSIZ {
		f.Close()
		return nil, ccerr.Config("tun_name_too_long", "TUN device name exceeds IFNAMSIZ", nil)
	}
	copy(req.name[:], devName)
	req.flags = unix.IFF_TUN | unix.IFF_NO_PI

	if err := ioctl(f.Fd(), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); err != nil {
		f.Close()
		return nil, ccerr.Transp("tun_attach_failed", "TUNSETIFF", err)
	}
	return f, nil
}

// ioctl is the same minimal raw-ioctl helper xsd.go uses for its
// pty-control calls, generalized to return a plain error.
func ioctl(fd, request, argp uintptr) error {
	if _, _, e := unix.Syscall(unix.SYS_IOCTL, fd, request, argp); e != 0 {
		return e
	}
	return nil
}
