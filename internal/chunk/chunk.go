// Package chunk provides the fixed-capacity batch of deferred GPU operations
// handed from the recording goroutine to the scheduler worker.
//
// A Chunk is owned by exactly one goroutine at a time. The producer appends
// to it, the worker executes it, and the reserve Pool holds it in between.
// Ownership moves with the pointer; nothing in this package locks a Chunk.
package chunk

import (
	"errors"

	"github.com/gogpu/gpusched"
)

// DefaultCapacity is the number of operations a chunk holds before the
// scheduler dispatches it.
const DefaultCapacity = 512

// ErrCapacityExceeded is returned by Append when the chunk is full.
var ErrCapacityExceeded = errors.New("chunk: capacity exceeded")

// opKind tags which of the op closures is set.
type opKind uint8

const (
	opPrimary opKind = iota + 1
	opUpload
)

// op is one recorded operation.
type op struct {
	kind    opKind
	primary func(cmd gpusched.CommandBuffer)
	upload  func(cmd, upload gpusched.CommandBuffer)
}

// Chunk is an append-only list of deferred operations with a submission
// marker. Storage for all slots is allocated once, in New.
type Chunk struct {
	ops    []op
	submit bool
}

// New creates an empty chunk holding up to capacity operations.
// A capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Chunk {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Chunk{ops: make([]op, 0, capacity)}
}

// Append records an operation against the primary command buffer.
func (c *Chunk) Append(fn func(cmd gpusched.CommandBuffer)) error {
	if len(c.ops) == cap(c.ops) {
		return ErrCapacityExceeded
	}
	c.ops = append(c.ops, op{kind: opPrimary, primary: fn})
	return nil
}

// AppendWithUpload records an operation against both the primary and the
// upload command buffer.
func (c *Chunk) AppendWithUpload(fn func(cmd, upload gpusched.CommandBuffer)) error {
	if len(c.ops) == cap(c.ops) {
		return ErrCapacityExceeded
	}
	c.ops = append(c.ops, op{kind: opUpload, upload: fn})
	return nil
}

// MarkSubmit flags the chunk as ending in a queue submission.
func (c *Chunk) MarkSubmit() { c.submit = true }

// HasSubmit reports whether the chunk ends in a queue submission.
func (c *Chunk) HasSubmit() bool { return c.submit }

// Empty reports whether no operation has been recorded.
func (c *Chunk) Empty() bool { return len(c.ops) == 0 }

// Len returns the number of recorded operations.
func (c *Chunk) Len() int { return len(c.ops) }

// Cap returns the operation capacity.
func (c *Chunk) Cap() int { return cap(c.ops) }

// ExecuteAll runs every operation in insertion order against cmd and upload,
// then resets the chunk to empty. Executing with a nil command buffer is a
// programming error and panics.
func (c *Chunk) ExecuteAll(cmd, upload gpusched.CommandBuffer) {
	if cmd == nil || upload == nil {
		panic("chunk: ExecuteAll with nil command buffer")
	}
	for i := range c.ops {
		o := &c.ops[i]
		switch o.kind {
		case opPrimary:
			o.primary(cmd)
		case opUpload:
			o.upload(cmd, upload)
		}
		// Drop the closure so captured resources can be collected.
		*o = op{}
	}
	c.Reset()
}

// Reset discards all operations without running them.
func (c *Chunk) Reset() {
	clear(c.ops)
	c.ops = c.ops[:0]
	c.submit = false
}
