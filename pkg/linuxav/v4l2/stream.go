//go:build linux

package v4l2

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pollSlice bounds each poll(2) wait when the caller's context can be
// cancelled, so cancellation is noticed without a deadline.
const pollSlice = 100 * time.Millisecond

// Device is an open V4L2 video capture node used for memory-mapped
// streaming. A Device is not safe for concurrent use.
type Device struct {
	fd   int
	path string
}

// Open opens a V4L2 device node in non-blocking mode.
func Open(path string) (*Device, error) {
	fd, err := openFd(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Device{fd: fd, path: path}, nil
}

// Path returns the device node path.
func (d *Device) Path() string {
	return d.path
}

// Close closes the device node. Mapped buffers must be unmapped first.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := closeFd(d.fd)
	d.fd = -1
	return err
}

// Capability queries the device capabilities.
func (d *Device) Capability() (Capability, error) {
	raw := v4l2Capability{}
	if err := ioctl(d.fd, vidiocQuerycap, unsafe.Pointer(&raw)); err != nil {
		return Capability{}, fmt.Errorf("VIDIOC_QUERYCAP: %w", err)
	}
	return raw.toCapability(), nil
}

// SetFormat requests a progressive single-planar capture format and returns
// the format the driver actually chose.
func (d *Device) SetFormat(want PixFormat) (PixFormat, error) {
	f := v4l2Format{typ: bufTypeVideoCapture}
	pix := (*v4l2PixFormat)(unsafe.Pointer(&f.fmt[0]))
	pix.width = want.Width
	pix.height = want.Height
	pix.pixelformat = want.PixelFormat
	pix.field = fieldNone
	if want.Field != 0 {
		pix.field = want.Field
	}

	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return PixFormat{}, fmt.Errorf("VIDIOC_S_FMT: %w", err)
	}
	return pix.toPixFormat(), nil
}

// RequestBuffers asks the driver for count memory-mapped buffers and returns
// the number granted. A count of zero frees all buffers.
func (d *Device) RequestBuffers(count int) (int, error) {
	req := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    bufTypeVideoCapture,
		memory: memoryMmap,
	}
	if err := ioctl(d.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS: %w", err)
	}
	return int(req.count), nil
}

// QueryBuffer returns the mmap offset and length of buffer index.
func (d *Device) QueryBuffer(index int) (Buffer, error) {
	buf := v4l2Buffer{
		index:  uint32(index),
		typ:    bufTypeVideoCapture,
		memory: memoryMmap,
	}
	if err := ioctl(d.fd, vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
		return Buffer{}, fmt.Errorf("VIDIOC_QUERYBUF %d: %w", index, err)
	}
	return buf.toBuffer(), nil
}

// Mmap maps a driver buffer into the process.
func (d *Device) Mmap(offset, length uint32) ([]byte, error) {
	region, err := unix.Mmap(d.fd, int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset %d length %d: %w", offset, length, err)
	}
	return region, nil
}

// Munmap unmaps a region returned by Mmap.
func (d *Device) Munmap(region []byte) error {
	return unix.Munmap(region)
}

// Queue hands buffer index to the driver.
func (d *Device) Queue(index int) error {
	buf := v4l2Buffer{
		index:  uint32(index),
		typ:    bufTypeVideoCapture,
		memory: memoryMmap,
	}
	if err := ioctl(d.fd, vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF %d: %w", index, err)
	}
	return nil
}

// Dequeue waits for the driver to fill a buffer and returns it.
//
// A context without a Done channel waits indefinitely. Otherwise the wait is
// bounded by the context's deadline and cancellation.
func (d *Device) Dequeue(ctx context.Context) (Buffer, error) {
	for {
		buf := v4l2Buffer{
			typ:    bufTypeVideoCapture,
			memory: memoryMmap,
		}
		err := ioctl(d.fd, vidiocDqbuf, unsafe.Pointer(&buf))
		if err == nil {
			return buf.toBuffer(), nil
		}
		if !errors.Is(err, unix.EAGAIN) {
			return Buffer{}, fmt.Errorf("VIDIOC_DQBUF: %w", err)
		}
		if err := d.waitReadable(ctx); err != nil {
			return Buffer{}, err
		}
	}
}

// StreamOn starts capture.
func (d *Device) StreamOn() error {
	typ := uint32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON: %w", err)
	}
	return nil
}

// StreamOff stops capture and returns every queued buffer to the process.
func (d *Device) StreamOff() error {
	typ := uint32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF: %w", err)
	}
	return nil
}

func (d *Device) waitReadable(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}

	for {
		timeout := -1
		if ctx.Done() != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			wait := pollSlice
			if deadline, ok := ctx.Deadline(); ok {
				if remaining := time.Until(deadline); remaining < wait {
					wait = remaining
				}
			}
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			timeout = int(wait / time.Millisecond)
		}

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll %s: %w", d.path, err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLIN == 0 {
			return fmt.Errorf("poll %s: device error (revents 0x%x)", d.path, fds[0].Revents)
		}
		return nil
	}
}

func (p *v4l2PixFormat) toPixFormat() PixFormat {
	return PixFormat{
		Width:        p.width,
		Height:       p.height,
		PixelFormat:  p.pixelformat,
		Field:        p.field,
		BytesPerLine: p.bytesperline,
		SizeImage:    p.sizeimage,
		Colorspace:   p.colorspace,
	}
}

func (b *v4l2Buffer) toBuffer() Buffer {
	var ts time.Time
	if b.tvSec != 0 || b.tvUsec != 0 {
		ts = time.Unix(b.tvSec, b.tvUsec*int64(time.Microsecond))
	}
	return Buffer{
		Index:     b.index,
		BytesUsed: b.bytesused,
		Flags:     b.flags,
		Sequence:  b.sequence,
		Offset:    b.offset(),
		Length:    b.length,
		Timestamp: ts,
	}
}
