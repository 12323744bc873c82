//go:build !linux

package capture

import (
	"errors"
	"runtime"
)

// V4L2Opener returns an Opener that always fails: V4L2 exists only on Linux.
func V4L2Opener() Opener {
	return OpenerFunc(func(path string) (Device, error) {
		return nil, errors.New("V4L2 capture is not supported on " + runtime.GOOS)
	})
}
