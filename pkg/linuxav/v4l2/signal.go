//go:build linux

package v4l2

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// GetDeviceStatus returns the combined device type and ready status.
func GetDeviceStatus(devicePath string) DeviceStatus {
	status := DeviceStatus{
		DeviceType: DeviceTypeUnknown,
		Ready:      false,
	}

	fd, err := openFd(devicePath)
	if err != nil {
		return status
	}
	defer closeFd(fd)

	raw := v4l2Capability{}
	if err := ioctl(fd, vidiocQuerycap, unsafe.Pointer(&raw)); err != nil {
		return status
	}

	// Try to get DV timings - if it works or returns specific errors, it's HDMI
	timings := v4l2DVTimings{}
	err = ioctl(fd, vidiocGDVTimings, unsafe.Pointer(&timings))

	bt := timings.decode()
	if err == nil || errors.Is(err, unix.ENOLINK) || errors.Is(err, unix.ENOLCK) {
		status.DeviceType = DeviceTypeHDMI
		if err == nil && bt.width > 0 && bt.height > 0 && bt.pixelclock > 0 {
			status.Ready = true
		}
		return status
	}

	if cstr(raw.driver[:]) == "uvcvideo" {
		status.DeviceType = DeviceTypeWebcam
		status.Ready = true
		return status
	}

	// Unknown device type, but openable means ready
	status.Ready = true
	return status
}

// GetDVTimings returns the current DV timings and signal status for HDMI devices.
func GetDVTimings(devicePath string) SignalStatus {
	status := SignalStatus{
		State: SignalStateNoDevice,
	}

	fd, err := openFd(devicePath)
	if err != nil {
		return status
	}
	defer closeFd(fd)

	timings := v4l2DVTimings{}
	err = ioctl(fd, vidiocGDVTimings, unsafe.Pointer(&timings))

	if err == nil {
		return timings.signalStatus()
	}

	switch {
	case errors.Is(err, unix.ENOLINK):
		status.State = SignalStateNoLink
	case errors.Is(err, unix.ENOLCK):
		status.State = SignalStateUnstable
	case errors.Is(err, unix.ERANGE):
		status.State = SignalStateOutOfRange
	case errors.Is(err, unix.ENOTTY):
		status.State = SignalStateNotSupported
	default:
		status.State = SignalStateNoSignal
	}

	return status
}

// signalStatus reports the signal described by timings the driver returned
// successfully.
func (t *v4l2DVTimings) signalStatus() SignalStatus {
	bt := t.decode()
	if bt.width == 0 || bt.height == 0 || bt.pixelclock == 0 {
		return SignalStatus{State: SignalStateNoSignal}
	}
	return SignalStatus{
		State:      SignalStateLocked,
		Width:      bt.width,
		Height:     bt.height,
		FPS:        calculateFPS(&bt),
		Interlaced: bt.interlaced != 0,
	}
}

// calculateFPS calculates the frame rate from DV timings.
func calculateFPS(bt *v4l2BTTimings) float64 {
	if bt.pixelclock == 0 {
		return 0
	}

	totalWidth := uint64(bt.width + bt.hfrontporch + bt.hsync + bt.hbackporch)
	totalHeight := uint64(bt.height + bt.vfrontporch + bt.vsync + bt.vbackporch)

	if bt.interlaced != 0 {
		totalHeight /= 2
	}

	if totalWidth == 0 || totalHeight == 0 {
		return 0
	}

	return float64(bt.pixelclock) / float64(totalWidth*totalHeight)
}

// v4l2DVTimings is packed in the kernel: the BT timings start at offset 4
// on every architecture, so they are kept as raw bytes and decoded.
type v4l2DVTimings struct {
	typ uint32
	bt  [128]byte
}

var _ [132]byte = [unsafe.Sizeof(v4l2DVTimings{})]byte{}

// v4l2BTTimings holds the decoded fields of struct v4l2_bt_timings.
type v4l2BTTimings struct {
	width       uint32
	height      uint32
	interlaced  uint32
	pixelclock  uint64
	hfrontporch uint32
	hsync       uint32
	hbackporch  uint32
	vfrontporch uint32
	vsync       uint32
	vbackporch  uint32
}

func (t *v4l2DVTimings) decode() v4l2BTTimings {
	le := binary.LittleEndian
	b := t.bt[:]
	return v4l2BTTimings{
		width:       le.Uint32(b[0:]),
		height:      le.Uint32(b[4:]),
		interlaced:  le.Uint32(b[8:]),
		pixelclock:  le.Uint64(b[16:]),
		hfrontporch: le.Uint32(b[24:]),
		hsync:       le.Uint32(b[28:]),
		hbackporch:  le.Uint32(b[32:]),
		vfrontporch: le.Uint32(b[36:]),
		vsync:       le.Uint32(b[40:]),
		vbackporch:  le.Uint32(b[44:]),
	}
}
