// Package buffer hands out the buffers blob bodies are read into.
package buffer

import (
	"bytes"

	"github.com/oxtoacart/bpool"
)

type BufferManager interface {
	Get() *bytes.Buffer
	Put(*bytes.Buffer)
}

// OnDemandBufferManager allocates a fresh buffer per blob, grown to SizeHint
// up front when set.
type OnDemandBufferManager struct {
	SizeHint int
}

func (bm *OnDemandBufferManager) Get() *bytes.Buffer {
	buf := &bytes.Buffer{}
	if bm.SizeHint > 0 {
		buf.Grow(bm.SizeHint)
	}
	return buf
}

func (bm *OnDemandBufferManager) Put(buf *bytes.Buffer) {
}

// NewBufferManager pools numEntries buffers of entrySize bytes, or allocates
// on demand when numEntries is zero.
func NewBufferManager(numEntries, entrySize int) BufferManager {
	if numEntries > 0 && entrySize > 0 {
		return bpool.NewSizedBufferPool(numEntries, entrySize)
	}
	return &OnDemandBufferManager{SizeHint: entrySize}
}
