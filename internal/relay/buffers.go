package relay

import "sync"

// bufferPool recycles pump buffers of one size across connections.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}

var defaultBuffers = newBufferPool(DefaultBufferSize)

// getBuffer returns a buffer of size bytes and the function that gives it
// back. Only the default size is pooled.
func getBuffer(size int) ([]byte, func()) {
	if size != DefaultBufferSize {
		return make([]byte, size), func() {}
	}
	b := defaultBuffers.Get()
	return *b, func() { defaultBuffers.Put(b) }
}
