package software

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/gpusched"
)

// Op names a recorded command.
type Op string

// Recorded command names.
const (
	OpBeginRenderPass Op = "begin_render_pass"
	OpEndRenderPass   Op = "end_render_pass"
	OpBindPipeline    Op = "bind_pipeline"
	OpBarrier         Op = "barrier"
	OpCopyImage       Op = "copy_image"
	OpBlitImage       Op = "blit_image"
	OpDraw            Op = "draw"
)

// Command is one recorded command.
type Command struct {
	Op Op
	// Labels of the objects involved, in argument order.
	Labels  []string
	Barrier gpusched.Barrier
	Copies  []gpusched.ImageCopy
	Blits   []gpusched.ImageBlit
	Filter  gpusched.Filter
	// Vertex and instance counts of a draw.
	Vertices, Instances uint32
}

type cbState uint8

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
	cbSubmitted
)

// CommandBuffer records commands into a log.
type CommandBuffer struct {
	id int

	mu       sync.Mutex
	state    cbState
	inPass   bool
	commands []Command
	err      error
}

// ID returns the buffer's allocation number, stable across reuse.
func (cb *CommandBuffer) ID() int { return cb.id }

// Begin starts recording.
func (cb *CommandBuffer) Begin() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != cbInitial {
		return fmt.Errorf("%w: Begin on buffer %d in state %d", ErrInvalidUsage, cb.id, cb.state)
	}
	cb.state = cbRecording
	return nil
}

// End finishes recording and returns the first recording error.
func (cb *CommandBuffer) End() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != cbRecording {
		return fmt.Errorf("%w: End on buffer %d in state %d", ErrInvalidUsage, cb.id, cb.state)
	}
	if cb.err == nil && cb.inPass {
		cb.err = fmt.Errorf("%w: End inside a render pass", ErrInvalidUsage)
	}
	cb.state = cbExecutable
	return cb.err
}

// BeginRenderPass records the start of a render pass.
func (cb *CommandBuffer) BeginRenderPass(rp gpusched.RenderPassBegin) {
	cb.record(Command{Op: OpBeginRenderPass, Labels: []string{label(rp.RenderPass), label(rp.Framebuffer)}}, func() error {
		if cb.inPass {
			return fmt.Errorf("%w: nested render pass", ErrInvalidUsage)
		}
		cb.inPass = true
		return nil
	})
}

// EndRenderPass records the end of the open render pass.
func (cb *CommandBuffer) EndRenderPass() {
	cb.record(Command{Op: OpEndRenderPass}, func() error {
		if !cb.inPass {
			return fmt.Errorf("%w: EndRenderPass without a render pass", ErrInvalidUsage)
		}
		cb.inPass = false
		return nil
	})
}

// BindGraphicsPipeline records a pipeline bind.
func (cb *CommandBuffer) BindGraphicsPipeline(p gpusched.Pipeline) {
	cb.record(Command{Op: OpBindPipeline, Labels: []string{label(p)}}, func() error {
		if !cb.inPass {
			return fmt.Errorf("%w: pipeline bound outside a render pass", ErrInvalidUsage)
		}
		return nil
	})
}

// Draw records a non-indexed draw. It must follow a pipeline bind inside
// the open render pass.
func (cb *CommandBuffer) Draw(vertices, instances uint32) {
	cb.record(Command{Op: OpDraw, Vertices: vertices, Instances: instances}, func() error {
		if !cb.inPass {
			return fmt.Errorf("%w: draw outside a render pass", ErrInvalidUsage)
		}
		return nil
	})
}

// PipelineBarrier records a barrier. Barriers inside a render pass are
// rejected.
func (cb *CommandBuffer) PipelineBarrier(b gpusched.Barrier) {
	cmd := Command{Op: OpBarrier, Barrier: gpusched.Barrier{
		SrcStage: b.SrcStage,
		DstStage: b.DstStage,
		Memory:   slices.Clone(b.Memory),
		Images:   slices.Clone(b.Images),
	}}
	for _, ib := range b.Images {
		cmd.Labels = append(cmd.Labels, label(ib.Image))
	}
	cb.record(cmd, cb.outsidePass)
}

// CopyImage records an exact-size copy.
func (cb *CommandBuffer) CopyImage(src, dst gpusched.Image, regions []gpusched.ImageCopy) {
	cb.record(Command{
		Op:     OpCopyImage,
		Labels: []string{label(src), label(dst)},
		Copies: slices.Clone(regions),
	}, cb.outsidePass)
}

// BlitImage records a scaling copy.
func (cb *CommandBuffer) BlitImage(src, dst gpusched.Image, regions []gpusched.ImageBlit, filter gpusched.Filter) {
	cb.record(Command{
		Op:     OpBlitImage,
		Labels: []string{label(src), label(dst)},
		Blits:  slices.Clone(regions),
		Filter: filter,
	}, cb.outsidePass)
}

// Commands returns a copy of the recorded log.
func (cb *CommandBuffer) Commands() []Command {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return slices.Clone(cb.commands)
}

func (cb *CommandBuffer) outsidePass() error {
	if cb.inPass {
		return fmt.Errorf("%w: transfer inside a render pass", ErrInvalidUsage)
	}
	return nil
}

// record appends cmd after check passes. The first failure sticks.
func (cb *CommandBuffer) record(cmd Command, check func() error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.err != nil {
		return
	}
	if cb.state != cbRecording {
		cb.err = fmt.Errorf("%w: %s on buffer %d outside Begin/End", ErrInvalidUsage, cmd.Op, cb.id)
		return
	}
	if err := check(); err != nil {
		cb.err = err
		return
	}
	cb.commands = append(cb.commands, cmd)
}

// markSubmitted moves an ended buffer to the submitted state and returns its
// log.
func (cb *CommandBuffer) markSubmitted() ([]Command, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != cbExecutable {
		return nil, fmt.Errorf("%w: submit of buffer %d in state %d", ErrInvalidUsage, cb.id, cb.state)
	}
	cb.state = cbSubmitted
	return slices.Clone(cb.commands), nil
}

func (cb *CommandBuffer) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = cbInitial
	cb.inPass = false
	cb.commands = cb.commands[:0]
	cb.err = nil
}

type labeled interface{ Label() string }

func label(l labeled) string {
	if l == nil {
		return ""
	}
	return l.Label()
}
