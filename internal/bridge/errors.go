package bridge

import "fmt"

// TransportError is a device-level read or write failure. It ends the
// session.
type TransportError struct {
	Op     string
	Device string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Device, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
