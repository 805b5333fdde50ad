package nomagic

import (
	"github.com/valyala/bytebufferpool"
)

// defaultByteBufferPool backs the scratch buffers used by ByteSource (§4.1)
// and channelWriter (§4.8), so per-exchange allocations are amortized the
// way fasthttp amortizes its own request/response buffers.
var defaultByteBufferPool bytebufferpool.Pool

func acquireByteBuffer() *bytebufferpool.ByteBuffer {
	return defaultByteBufferPool.Get()
}

func releaseByteBuffer(b *bytebufferpool.ByteBuffer) {
	defaultByteBufferPool.Put(b)
}
