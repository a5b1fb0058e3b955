//go:build !linux

package serial

import "errors"

func open(cfg Config) (Port, error) {
	return nil, errors.New("serial only supported on linux")
}
