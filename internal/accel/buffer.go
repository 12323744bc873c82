package accel

// Storage selects where a Buffer lives.
type Storage int

// Buffer storage kinds.
const (
	StorageHeap Storage = iota
	// StorageDMA is page-aligned memory the device can map for DMA.
	StorageDMA
)

func (s Storage) String() string {
	if s == StorageDMA {
		return "dma"
	}
	return "heap"
}

// Buffer is host memory used for tensor transfers.
type Buffer struct {
	data    []byte
	storage Storage
}

// NewBuffer allocates a zeroed buffer. DMA buffers are page aligned.
func NewBuffer(size int, storage Storage) *Buffer {
	var data []byte
	if storage == StorageDMA {
		data = PageAlignedAlloc(size)
	} else {
		data = make([]byte, size)
	}
	return &Buffer{data: data, storage: storage}
}

// Bytes returns the buffer memory.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the buffer size in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Storage returns how the buffer was allocated.
func (b *Buffer) Storage() Storage {
	return b.storage
}

// AllocateWithFallback tries a DMA buffer first and falls back to heap memory
// of fallbackSize bytes when the runtime cannot provide one. The returned
// error is the DMA failure, if any.
func AllocateWithFallback(rt Runtime, size, fallbackSize int) (*Buffer, error) {
	buf, err := rt.AllocateBuffer(size, StorageDMA)
	if err == nil {
		return buf, nil
	}
	return NewBuffer(fallbackSize, StorageHeap), err
}
