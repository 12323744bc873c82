// Package fakedev provides an in-memory capture.Device that follows V4L2
// streaming semantics closely enough to exercise capture.Manager without
// hardware. It counts every call and lets tests inject faults.
package fakedev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/edgeprobe/internal/capture"
)

// Errors returned for requests a real driver would reject.
var (
	ErrBusy        = errors.New("fakedev: device busy")
	ErrInvalid     = errors.New("fakedev: invalid argument")
	ErrNotOpen     = errors.New("fakedev: device not open")
	ErrWouldBlock  = errors.New("fakedev: dequeue would block forever")
	ErrNotMapped   = errors.New("fakedev: region not mapped")
	ErrNotStreamed = errors.New("fakedev: stream is off")
)

// Counters records how often each device operation was called.
type Counters struct {
	Opens      int
	Closes     int
	Maps       int
	Unmaps     int
	Queues     int
	Dequeues   int
	StreamOns  int
	StreamOffs int
	// RoundTrips counts, per buffer index, how often the buffer was
	// dequeued and queued again while streaming.
	RoundTrips map[int]int
}

type buffer struct {
	length uint32
	region []byte
	queued bool
	// dequeued is set between a dequeue and the following queue.
	dequeued bool
}

// Device is a fake streaming capture device. Configuration and fault fields
// must be set before the device is opened.
type Device struct {
	// Caps is reported by QueryCapabilities.
	Caps capture.Capabilities
	// Adjust turns the requested format into the negotiated one.
	Adjust func(capture.Format) capture.Format
	// Grant decides how many buffers are granted for a request.
	Grant func(requested int) int
	// BytesUsed decides the payload size of a dequeued buffer.
	BytesUsed func(seq uint32, length uint32) uint32
	// Fill writes frame content into a buffer before it is dequeued.
	Fill func(seq uint32, region []byte)
	// SequenceStep is added to the sequence number per frame; values above
	// one simulate frames dropped by the driver.
	SequenceStep uint32

	OpenErr           error
	QueryCapsErr      error
	SetFormatErr      error
	RequestBuffersErr error
	StreamOnErr       error
	StreamOffErr      error
	DequeueErr        error
	UnmapErr          error
	CloseErr          error
	// FailQuery, FailMap and FailQueue return an error for the given index
	// to inject a fault, or nil to let the call through.
	FailQuery func(index int) error
	FailMap   func(index int) error
	FailQueue func(index int, streaming bool) error

	mu        sync.Mutex
	open      bool
	streaming bool
	format    capture.Format
	buffers   []*buffer
	fifo      []int
	seq       uint32
	started   bool
	counters  Counters
}

// New returns a device that supports capture and streaming and accepts any
// format as packed YUV 4:2:2.
func New() *Device {
	return &Device{
		Caps: capture.Capabilities{
			Driver:  "fakedev",
			Card:    "Fake Camera",
			BusInfo: "platform:fakedev",
			Caps:    capture.CapVideoCapture | capture.CapStreaming,
		},
		SequenceStep: 1,
	}
}

// Opener returns an Opener that hands out this device.
func (d *Device) Opener() capture.Opener {
	return capture.OpenerFunc(func(path string) (capture.Device, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.OpenErr != nil {
			return nil, d.OpenErr
		}
		if d.open {
			return nil, ErrBusy
		}
		d.open = true
		d.counters.Opens++
		return d, nil
	})
}

// Counters returns a snapshot of the call counters.
func (d *Device) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.counters
	c.RoundTrips = make(map[int]int, len(d.counters.RoundTrips))
	for k, v := range d.counters.RoundTrips {
		c.RoundTrips[k] = v
	}
	return c
}

// Mapped returns the number of buffers currently mapped.
func (d *Device) Mapped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.buffers {
		if b.region != nil {
			n++
		}
	}
	return n
}

// OpenHandles returns the number of handles not yet closed.
func (d *Device) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters.Opens - d.counters.Closes
}

// Streaming reports whether the stream is on.
func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// QueuedCount returns the number of buffers owned by the device.
func (d *Device) QueuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fifo)
}

func (d *Device) QueryCapabilities() (capture.Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return capture.Capabilities{}, ErrNotOpen
	}
	if d.QueryCapsErr != nil {
		return capture.Capabilities{}, d.QueryCapsErr
	}
	return d.Caps, nil
}

func (d *Device) SetFormat(f capture.Format) (capture.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SetFormatErr != nil {
		return capture.Format{}, d.SetFormatErr
	}
	if len(d.buffers) > 0 {
		return capture.Format{}, ErrBusy
	}
	if d.Adjust != nil {
		f = d.Adjust(f)
	}
	if f.BytesPerLine == 0 {
		f.BytesPerLine = f.Width * 2
	}
	if f.SizeImage == 0 {
		f.SizeImage = f.BytesPerLine * f.Height
	}
	d.format = f
	return f, nil
}

func (d *Device) RequestBuffers(n int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming {
		return 0, ErrBusy
	}
	if n == 0 {
		for _, b := range d.buffers {
			if b.region != nil {
				return 0, ErrBusy
			}
		}
		d.buffers = nil
		d.fifo = nil
		return 0, nil
	}
	if d.RequestBuffersErr != nil {
		return 0, d.RequestBuffersErr
	}
	if len(d.buffers) > 0 {
		return 0, ErrBusy
	}

	granted := n
	if d.Grant != nil {
		granted = d.Grant(n)
	}
	length := d.format.SizeImage
	if length == 0 {
		length = 4096
	}
	d.buffers = make([]*buffer, granted)
	for i := range d.buffers {
		d.buffers[i] = &buffer{length: length}
	}
	return granted, nil
}

func (d *Device) QueryBuffer(index int) (capture.BufferInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.buffers) {
		return capture.BufferInfo{}, ErrInvalid
	}
	if d.FailQuery != nil {
		if err := d.FailQuery(index); err != nil {
			return capture.BufferInfo{}, err
		}
	}
	b := d.buffers[index]
	return capture.BufferInfo{
		Index:  index,
		Offset: uint32(index) * b.length,
		Length: b.length,
	}, nil
}

func (d *Device) MapBuffer(info capture.BufferInfo) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info.Index < 0 || info.Index >= len(d.buffers) {
		return nil, ErrInvalid
	}
	if d.FailMap != nil {
		if err := d.FailMap(info.Index); err != nil {
			return nil, err
		}
	}
	b := d.buffers[info.Index]
	if b.region != nil {
		return nil, ErrBusy
	}
	b.region = make([]byte, info.Length)
	d.counters.Maps++
	return b.region, nil
}

func (d *Device) UnmapBuffer(region []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(region) == 0 {
		return ErrNotMapped
	}
	for _, b := range d.buffers {
		if b.region != nil && &b.region[0] == &region[0] {
			b.region = nil
			d.counters.Unmaps++
			return d.UnmapErr
		}
	}
	return ErrNotMapped
}

func (d *Device) QueueBuffer(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.buffers) {
		return ErrInvalid
	}
	if d.FailQueue != nil {
		if err := d.FailQueue(index, d.streaming); err != nil {
			return err
		}
	}
	b := d.buffers[index]
	if b.queued {
		return ErrBusy
	}
	b.queued = true
	if b.dequeued && d.streaming {
		if d.counters.RoundTrips == nil {
			d.counters.RoundTrips = make(map[int]int)
		}
		d.counters.RoundTrips[index]++
	}
	b.dequeued = false
	d.fifo = append(d.fifo, index)
	d.counters.Queues++
	return nil
}

func (d *Device) DequeueBuffer(ctx context.Context) (capture.Dequeued, error) {
	d.mu.Lock()
	if d.DequeueErr != nil {
		d.mu.Unlock()
		return capture.Dequeued{}, d.DequeueErr
	}
	if !d.streaming {
		d.mu.Unlock()
		return capture.Dequeued{}, ErrNotStreamed
	}
	if len(d.fifo) == 0 {
		d.mu.Unlock()
		if ctx.Done() == nil {
			return capture.Dequeued{}, ErrWouldBlock
		}
		<-ctx.Done()
		return capture.Dequeued{}, ctx.Err()
	}
	defer d.mu.Unlock()

	index := d.fifo[0]
	d.fifo = d.fifo[1:]
	b := d.buffers[index]
	b.queued = false
	b.dequeued = true

	if d.started {
		d.seq += d.SequenceStep
	}
	d.started = true
	seq := d.seq

	if b.region != nil {
		if d.Fill != nil {
			d.Fill(seq, b.region)
		} else {
			for i := range b.region {
				b.region[i] = byte(int(seq) + i)
			}
		}
	}

	used := b.length
	if d.BytesUsed != nil {
		used = d.BytesUsed(seq, b.length)
	}

	d.counters.Dequeues++
	return capture.Dequeued{
		Index:     index,
		BytesUsed: used,
		Sequence:  seq,
		Timestamp: time.Now(),
	}, nil
}

func (d *Device) StreamOn() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StreamOnErr != nil {
		return d.StreamOnErr
	}
	if len(d.buffers) == 0 {
		return fmt.Errorf("%w: no buffers allocated", ErrInvalid)
	}
	d.streaming = true
	d.started = false
	d.counters.StreamOns++
	return nil
}

// StreamOff always stops the stream and returns queued buffers, even when
// StreamOffErr is set.
func (d *Device) StreamOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = false
	d.fifo = nil
	for _, b := range d.buffers {
		b.queued = false
		b.dequeued = false
	}
	d.counters.StreamOffs++
	return d.StreamOffErr
}

// Close releases the handle. Buffers still mapped stay counted as mapped so
// tests can detect leaks.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrNotOpen
	}
	d.open = false
	d.streaming = false
	d.fifo = nil
	d.counters.Closes++
	mapped := false
	for _, b := range d.buffers {
		if b.region != nil {
			mapped = true
		}
	}
	if !mapped {
		d.buffers = nil
	}
	return d.CloseErr
}
