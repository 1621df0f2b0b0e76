package protocol

// BufferPool recycles Buffers across send paths so that forwarding a packet
// does not allocate under steady load. Each size class keeps a bounded number
// of idle buffers; when a class is exhausted, Acquire falls back to a fresh
// allocation rather than blocking, and surplus releases are dropped for the
// garbage collector.
//
// Buffers are not zeroed on acquire; callers must only read what they wrote.
type BufferPool struct {
	classes []poolClass
}

type poolClass struct {
	size int
	free chan *Buffer
}

// DefaultPoolBound is the number of idle buffers retained per size class.
const DefaultPoolBound = 64

// NewBufferPool builds a pool whose largest size class covers maxMessageSize.
func NewBufferPool(maxMessageSize int) *BufferPool {
	if maxMessageSize < 256 {
		maxMessageSize = 256
	}
	var classes []poolClass
	for size := 256; ; size *= 4 {
		classes = append(classes, poolClass{
			size: size,
			free: make(chan *Buffer, DefaultPoolBound),
		})
		if size >= maxMessageSize {
			break
		}
	}
	return &BufferPool{classes: classes}
}

// Acquire returns a reset Buffer with capacity for at least sizeHint bytes.
func (p *BufferPool) Acquire(sizeHint int) *Buffer {
	for i := range p.classes {
		c := &p.classes[i]
		if c.size < sizeHint {
			continue
		}
		select {
		case buf := <-c.free:
			buf.Reset()
			return buf
		default:
			return NewBuffer(c.size)
		}
	}
	// Larger than the largest class: transient allocation.
	return NewBuffer(sizeHint)
}

// Release returns a Buffer to the largest size class its capacity still
// satisfies. Undersized or surplus buffers are dropped.
func (p *BufferPool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	capacity := cap(buf.data)
	for i := len(p.classes) - 1; i >= 0; i-- {
		c := &p.classes[i]
		if capacity < c.size {
			continue
		}
		select {
		case c.free <- buf:
		default:
		}
		return
	}
}

// WithBuffer runs fn with a pooled buffer and releases it on every path.
// It is the scoped-acquisition helper used by the forwarding code so early
// returns cannot leak buffers.
func (p *BufferPool) WithBuffer(sizeHint int, fn func(buf *Buffer) error) error {
	buf := p.Acquire(sizeHint)
	defer p.Release(buf)
	return fn(buf)
}
