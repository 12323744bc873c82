//go:build !linux

package devices

import "context"

// List is unavailable on this platform.
func List() ([]Description, error) {
	return nil, ErrUnsupported
}

func lookupDeviceID(string) (string, error) {
	return "", ErrUnsupported
}

// Watch is unavailable on this platform.
func Watch(ctx context.Context, fn func(Change)) error {
	return ErrUnsupported
}
