//go:build !nogpu

package main

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpusched"
	"github.com/gogpu/gpusched/backend"
	"github.com/gogpu/gpusched/backend/native"
)

func init() {
	pipelineFactories[backend.BackendNative] = func(dev backend.Device, format gputypes.TextureFormat) (gpusched.Pipeline, func(), error) {
		// The device cache owns the pipeline.
		p, err := dev.(*native.Device).FillPipeline(format, [4]float32{0.2, 0.4, 0.8, 1})
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}
}
