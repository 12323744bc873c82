//go:build linux

package capture

import (
	"context"

	"github.com/smazurov/edgeprobe/pkg/linuxav/v4l2"
)

// V4L2Opener returns an Opener backed by real V4L2 device nodes.
func V4L2Opener() Opener {
	return OpenerFunc(func(path string) (Device, error) {
		dev, err := v4l2.Open(path)
		if err != nil {
			return nil, err
		}
		return &v4l2Device{dev: dev}, nil
	})
}

type v4l2Device struct {
	dev *v4l2.Device
}

func (d *v4l2Device) QueryCapabilities() (Capabilities, error) {
	c, err := d.dev.Capability()
	if err != nil {
		return Capabilities{}, err
	}
	return Capabilities{
		Driver:  c.Driver,
		Card:    c.Card,
		BusInfo: c.BusInfo,
		Caps:    c.EffectiveCaps(),
	}, nil
}

func (d *v4l2Device) SetFormat(f Format) (Format, error) {
	pix, err := d.dev.SetFormat(v4l2.PixFormat{
		Width:       f.Width,
		Height:      f.Height,
		PixelFormat: f.PixelFormat,
	})
	if err != nil {
		return Format{}, err
	}
	return Format{
		Width:        pix.Width,
		Height:       pix.Height,
		PixelFormat:  pix.PixelFormat,
		BytesPerLine: pix.BytesPerLine,
		SizeImage:    pix.SizeImage,
	}, nil
}

func (d *v4l2Device) RequestBuffers(n int) (int, error) {
	return d.dev.RequestBuffers(n)
}

func (d *v4l2Device) QueryBuffer(index int) (BufferInfo, error) {
	b, err := d.dev.QueryBuffer(index)
	if err != nil {
		return BufferInfo{}, err
	}
	return BufferInfo{Index: index, Offset: b.Offset, Length: b.Length}, nil
}

func (d *v4l2Device) MapBuffer(info BufferInfo) ([]byte, error) {
	return d.dev.Mmap(info.Offset, info.Length)
}

func (d *v4l2Device) UnmapBuffer(region []byte) error {
	return d.dev.Munmap(region)
}

func (d *v4l2Device) QueueBuffer(index int) error {
	return d.dev.Queue(index)
}

func (d *v4l2Device) DequeueBuffer(ctx context.Context) (Dequeued, error) {
	b, err := d.dev.Dequeue(ctx)
	if err != nil {
		return Dequeued{}, err
	}
	return Dequeued{
		Index:     int(b.Index),
		BytesUsed: b.BytesUsed,
		Sequence:  b.Sequence,
		Timestamp: b.Timestamp,
	}, nil
}

func (d *v4l2Device) StreamOn() error {
	return d.dev.StreamOn()
}

func (d *v4l2Device) StreamOff() error {
	return d.dev.StreamOff()
}

func (d *v4l2Device) Close() error {
	return d.dev.Close()
}
