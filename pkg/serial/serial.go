// Package serial opens a raw 8N1 serial line to a mesh radio.
package serial

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"time"
)

// DefaultBaud is the line speed used when none is configured.
const DefaultBaud = 115200

// ErrUnsupportedBaud is returned for a rate the line discipline cannot set.
var ErrUnsupportedBaud = errors.New("unsupported baud rate")

// Config names the device and line speed.
type Config struct {
	Path string
	Baud int
}

// Port is an open serial line. Close unblocks a pending Read.
type Port interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Rates lists the supported line speeds in ascending order.
func Rates() []int {
	return slices.Clone(rates)
}

var rates = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// Validate checks the configuration without touching the device.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("serial path is required")
	}
	if !slices.Contains(rates, c.Baud) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaud, c.Baud)
	}
	return nil
}

// Open validates cfg and opens the device in raw mode.
func Open(cfg Config) (Port, error) {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return open(cfg)
}
