package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/edgeprobe/internal/accel"
)

type networkGroup struct {
	name    string
	latency time.Duration
	inputs  []accel.InputStream
	outputs []accel.OutputStream

	mu   sync.Mutex
	gen  uint64
	seed byte
}

func newNetworkGroup(gl GroupLayout, latency time.Duration) *networkGroup {
	g := &networkGroup{name: gl.Name, latency: latency}
	for _, s := range gl.Inputs {
		g.inputs = append(g.inputs, &inputStream{group: g, info: streamInfo(s)})
	}
	for i, s := range gl.Outputs {
		g.outputs = append(g.outputs, &outputStream{group: g, info: streamInfo(s), index: i})
	}
	return g
}

func streamInfo(s StreamLayout) accel.StreamInfo {
	return accel.StreamInfo{Name: s.Name, Shape: s.Shape, FrameSize: s.Size()}
}

func (g *networkGroup) Name() string                  { return g.name }
func (g *networkGroup) Inputs() []accel.InputStream   { return g.inputs }
func (g *networkGroup) Outputs() []accel.OutputStream { return g.outputs }

type inputStream struct {
	group *networkGroup
	info  accel.StreamInfo
}

func (s *inputStream) Info() accel.StreamInfo { return s.info }

// Write accepts a frame of any non-empty length. Frames are not converted to
// the stream shape.
func (s *inputStream) Write(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return accel.NewError(accel.StatusInvalidArgument, "write", "empty input frame for "+s.info.Name)
	}
	if err := ctx.Err(); err != nil {
		return accel.Wrap(accel.StatusTimeout, "write", "cancelled", err)
	}

	var sum byte
	for _, b := range data {
		sum += b
	}

	g := s.group
	g.mu.Lock()
	g.gen++
	g.seed = sum
	g.mu.Unlock()
	return nil
}

type outputStream struct {
	group *networkGroup
	info  accel.StreamInfo
	index int

	consumed uint64
}

func (s *outputStream) Info() accel.StreamInfo { return s.info }

// Read fills buf with the result of the most recent write. Each write yields
// one result per output stream.
func (s *outputStream) Read(ctx context.Context, buf []byte) error {
	if len(buf) < s.info.FrameSize {
		return accel.NewError(accel.StatusInsufficientBuffer, "read",
			fmt.Sprintf("buffer of %d bytes for %s, need %d", len(buf), s.info.Name, s.info.FrameSize))
	}

	g := s.group
	g.mu.Lock()
	gen, seed := g.gen, g.seed
	g.mu.Unlock()

	if gen == s.consumed {
		return accel.NewError(accel.StatusTimeout, "read", "no pending input for "+s.info.Name)
	}

	if g.latency > 0 {
		timer := time.NewTimer(g.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return accel.Wrap(accel.StatusTimeout, "read", "cancelled", ctx.Err())
		case <-timer.C:
		}
	}

	s.consumed = gen
	for i := 0; i < s.info.FrameSize; i++ {
		buf[i] = seed + byte(i*31) + byte(s.index)
	}
	return nil
}
