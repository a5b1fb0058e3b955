package main

import (
	"errors"
	"strings"
	"syscall"

	"meshtun/pkg/tun"
)

// createTUNWithRetry tries to create the TUN device, and when the name is
// still held by a stale interface removes it once and retries.
func createTUNWithRetry(name string, opener func(string) (*tun.Tun, error), cleaner func(string)) (*tun.Tun, error) {
	t, err := opener(name)
	if err == nil {
		return t, nil
	}
	if !isDeviceBusy(err) {
		return nil, err
	}
	if cleaner != nil {
		cleaner(name)
	}
	return opener(name)
}

func isDeviceBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EBUSY) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "device or resource busy")
}
