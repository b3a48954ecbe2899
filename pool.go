package session

import (
	"bytes"
	"sync"
)

var readerPool = sync.Pool{
	New: func() any {
		return bytes.NewReader(nil)
	},
}

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// PutBuffer wipes the buffer's content and returns it to the pool so session
// data is not retained in reusable memory longer than necessary.
func PutBuffer(buf *bytes.Buffer) {
	// buf.Bytes() returns the unread portion of the buffer, which
	// corresponds to the data just written (and presumably read/used).
	b := buf.Bytes()
	clear(b)
	buf.Reset()
	bufferPool.Put(buf)
}
