package capture

import "log/slog"

type owner int

const (
	ownedByProcess owner = iota
	ownedByDevice
)

// slot is one mapped buffer of the ring. The region is released at most once.
type slot struct {
	index    int
	region   []byte
	length   uint32
	owner    owner
	lost     bool
	released bool
	unmap    func([]byte) error
}

// release unmaps the region. Calling it again is a no-op.
func (s *slot) release() error {
	if s.released {
		return nil
	}
	s.released = true
	region := s.region
	s.region = nil
	if region == nil {
		return nil
	}
	return s.unmap(region)
}

// ring is the fixed-length set of slots negotiated with the device.
type ring struct {
	slots []*slot
}

func (r *ring) add(s *slot) {
	r.slots = append(r.slots, s)
}

func (r *ring) size() int {
	return len(r.slots)
}

func (r *ring) get(index int) *slot {
	if index < 0 || index >= len(r.slots) {
		return nil
	}
	return r.slots[index]
}

// mapped returns the number of slots whose region is still mapped.
func (r *ring) mapped() int {
	n := 0
	for _, s := range r.slots {
		if !s.released {
			n++
		}
	}
	return n
}

// reclaim marks every slot as owned by the process, as after stream-off.
func (r *ring) reclaim() {
	for _, s := range r.slots {
		s.owner = ownedByProcess
	}
}

// release unmaps every slot. Individual failures are logged and the rest are
// still released.
func (r *ring) release(logger *slog.Logger) {
	for _, s := range r.slots {
		if err := s.release(); err != nil {
			logger.Warn("Failed to unmap capture buffer", "index", s.index, "error", err)
		}
	}
	r.slots = nil
}
