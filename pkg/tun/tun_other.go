//go:build !linux

package tun

import (
	"errors"
	"net/netip"
	"time"
)

// Tun is unavailable outside Linux.
type Tun struct{}

func Create(name string) (*Tun, error) {
	return nil, errors.New("tun only supported on linux")
}

func (t *Tun) Name() string                       { return "" }
func (t *Tun) ReadPacket(buf []byte) (int, error)  { return 0, errors.ErrUnsupported }
func (t *Tun) WritePacket(pkt []byte) (int, error) { return 0, errors.ErrUnsupported }
func (t *Tun) Close() error                       { return nil }
func (t *Tun) SetReadDeadline(time.Time) error    { return nil }

type Config struct {
	Name    string
	Address netip.Prefix
	Routes  []netip.Prefix
	MTU     int
}

func Configure(cfg Config) error { return errors.ErrUnsupported }
func Teardown(name string) error  { return nil }
func Remove(name string) error    { return nil }
