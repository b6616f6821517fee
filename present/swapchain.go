package present

import (
	"slices"

	"github.com/gogpu/gpusched"
)

// Frame pool bounds. Two frames double buffer; a third lets the CPU run one
// frame further ahead under mailbox presentation.
const (
	minFrames = 2
	maxFrames = 3
)

// choosePresentMode returns the first preferred mode the surface offers,
// falling back to FIFO, which every surface supports.
func choosePresentMode(available, preferred []gpusched.PresentMode) gpusched.PresentMode {
	for _, m := range preferred {
		if slices.Contains(available, m) {
			return m
		}
	}
	return gpusched.PresentModeFIFO
}

// chooseImageCount asks for one image above the surface minimum, capped at
// the surface maximum. A maximum of zero means no limit.
func chooseImageCount(minCount, maxCount int) int {
	n := minCount + 1
	if maxCount > 0 && n > maxCount {
		n = maxCount
	}
	return n
}

// frameCount clamps a swapchain image count to the frame pool bounds.
func frameCount(images int) int {
	return min(max(images, minFrames), maxFrames)
}
