// Package tun provides the virtual interface side of the bridge: a Linux TUN
// device, its netlink configuration, and an in-memory pair for tests.
package tun

import "time"

// MTU bounds accepted when configuring an interface. DefaultMTU matches the
// largest payload a mesh frame carries.
const (
	DefaultMTU = 1500
	MinMTU     = 576
	MaxMTU     = 65535
)

// Device reads and writes whole IP packets.
type Device interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(pkt []byte) (int, error)
	Close() error
}

// DeadlineDevice is a Device whose reads can be bounded in time.
type DeadlineDevice interface {
	Device
	SetReadDeadline(t time.Time) error
}
