//go:build linux

package tun

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

// Tun is a kernel TUN device opened without packet information headers, so
// every read and write carries exactly one IP packet.
type Tun struct {
	name string
	f    *os.File
}

// Create attaches to (or creates) the TUN interface name. The descriptor is
// non-blocking and registered with the runtime poller, so Close unblocks a
// pending ReadPacket and read deadlines apply.
func Create(name string) (*Tun, error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cloneDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ifreq %s: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, err)
	}

	return &Tun{name: ifr.Name(), f: os.NewFile(uintptr(fd), cloneDevice)}, nil
}

func (t *Tun) Name() string { return t.name }

func (t *Tun) ReadPacket(buf []byte) (int, error) {
	return t.f.Read(buf)
}

func (t *Tun) WritePacket(pkt []byte) (int, error) {
	return t.f.Write(pkt)
}

func (t *Tun) Close() error {
	if t.f == nil {
		return nil
	}
	return t.f.Close()
}

func (t *Tun) SetReadDeadline(ti time.Time) error {
	if t.f == nil {
		return nil
	}
	return t.f.SetReadDeadline(ti)
}

var _ Device = (*Tun)(nil)
