package scheduler

import "github.com/gogpu/gpusched"

// State caches what the current command buffer has bound. It is owned by
// the recording goroutine and cleared at every submission boundary, since
// command buffer state does not carry over to the next buffer.
type State struct {
	RenderPass       gpusched.RenderPass
	Framebuffer      gpusched.Framebuffer
	RenderArea       gpusched.Extent2D
	GraphicsPipeline gpusched.Pipeline
	Rescaling        bool
	RescalingDefined bool
}

// InRenderPass reports whether a render pass is open.
func (st *State) InRenderPass() bool { return st.RenderPass != nil }

// matches reports whether fb is the render pass already open.
func (st *State) matches(fb gpusched.Framebuffer) bool {
	return st.RenderPass == fb.RenderPass() &&
		st.Framebuffer == fb &&
		st.RenderArea == fb.RenderArea()
}

// clearRenderPass forgets the open render pass.
func (st *State) clearRenderPass() {
	st.RenderPass = nil
	st.Framebuffer = nil
	st.RenderArea = gpusched.Extent2D{}
}

// invalidate forgets everything bound to the current command buffer.
func (st *State) invalidate() {
	st.GraphicsPipeline = nil
	st.RescalingDefined = false
	st.clearRenderPass()
}
