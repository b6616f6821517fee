// Command schedemo drives a render, flush and present loop through the
// gpusched scheduler and present manager.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gogpu/gpusched"
	"github.com/gogpu/gpusched/backend"
	"github.com/gogpu/gpusched/backend/software"
	"github.com/gogpu/gpusched/fence"
	"github.com/gogpu/gpusched/present"
	"github.com/gogpu/gpusched/scheduler"
)

func main() {
	var (
		backendName = flag.String("backend", "", "device backend (native, software; empty picks the best available)")
		frames      = flag.Int("frames", 120, "frames to render")
		width       = flag.Int("width", 640, "frame width")
		height      = flag.Int("height", 480, "frame height")
		async       = flag.Bool("async", true, "copy frames on the present goroutine")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address (e.g. :9090)")
		output      = flag.String("output", "", "save the last presented frame as PNG (readback swapchains only)")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	gpusched.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config{
		backend: *backendName,
		frames:  *frames,
		extent:  gpusched.Extent2D{Width: uint32(*width), Height: uint32(*height)},
		async:   *async,
		metrics: *metricsAddr,
		output:  *output,
	}
	if err := run(cfg); err != nil {
		log.Fatalf("schedemo: %v", err)
	}
}

type config struct {
	backend string
	frames  int
	extent  gpusched.Extent2D
	async   bool
	metrics string
	output  string
}

func run(cfg config) error {
	dev, err := openDevice(cfg.backend)
	if err != nil {
		return err
	}
	defer dev.Close()

	reg := prometheus.NewRegistry()
	if cfg.metrics != "" {
		srv := newMetricsServer(cfg.metrics, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				gpusched.Logger().Error("schedemo: metrics server", "err", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	sched, err := scheduler.New(dev.Authority(), dev.CommandPool(),
		scheduler.WithRegisterer(reg),
		scheduler.WithLossReporter(dev))
	if err != nil {
		return err
	}
	defer sched.Close()

	sc := dev.NewSwapchain()
	defer sc.Destroy()
	m, err := present.New(dev, sched, present.Output{Swapchain: sc, Surfaces: dev.Surfaces()},
		present.WithPresentThread(cfg.async),
		present.WithRegisterer(reg),
		present.WithFrameExtent(cfg.extent))
	if err != nil {
		return err
	}
	defer m.Close()

	pipeline, destroy, err := newFillPipeline(dev, sc.ImageFormat())
	if err != nil {
		return err
	}
	defer func() {
		_ = dev.WaitIdle()
		destroy()
	}()

	fences := fence.NewManager(sched)
	start := time.Now()
	for i := range cfg.frames {
		if err := renderFrame(dev, sched, m, fences, pipeline); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		fences.ReleaseSignaled()
	}
	if err := m.WaitPresent(); err != nil {
		return err
	}
	if err := fences.WaitPending(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	gpusched.Logger().Info("schedemo: done",
		"backend", dev.Name(), "frames", cfg.frames, "elapsed", elapsed,
		"fps", float64(cfg.frames)/elapsed.Seconds())

	if cfg.output != "" {
		return savePNG(sc, cfg.output)
	}
	return nil
}

func openDevice(name string) (backend.Device, error) {
	if name == "" {
		return backend.Default()
	}
	return backend.Get(name)
}

// drawer is implemented by backend command buffers that can draw.
type drawer interface {
	Draw(vertices, instances uint32)
}

// pipelineFactory builds the fill pipeline for one backend and returns its
// release function.
type pipelineFactory func(dev backend.Device, format gputypes.TextureFormat) (gpusched.Pipeline, func(), error)

var pipelineFactories = map[string]pipelineFactory{
	backend.BackendSoftware: func(backend.Device, gputypes.TextureFormat) (gpusched.Pipeline, func(), error) {
		return software.NewPipeline("fill"), func() {}, nil
	},
}

func newFillPipeline(dev backend.Device, format gputypes.TextureFormat) (gpusched.Pipeline, func(), error) {
	factory, ok := pipelineFactories[dev.Name()]
	if !ok {
		return nil, nil, fmt.Errorf("no fill pipeline for backend %q", dev.Name())
	}
	return factory(dev, format)
}

// renderFrame fills a pooled target and presents it. Each frame streams a
// small uniform buffer that is released once the GPU is done with it.
func renderFrame(dev backend.Device, sched *scheduler.Scheduler, m *present.Manager, fences *fence.Manager, pipeline gpusched.Pipeline) error {
	f, err := m.GetRenderFrame()
	if err != nil {
		return err
	}
	uniforms, err := dev.CreateBuffer(gpusched.BufferDescriptor{Label: "frame_uniforms", Size: 256}, gpusched.UsageStream)
	if err != nil {
		return err
	}

	sched.RequestRenderpass(f.Framebuffer())
	if sched.UpdateGraphicsPipeline(pipeline) {
		sched.Record(func(cmd gpusched.CommandBuffer) {
			cmd.BindGraphicsPipeline(pipeline)
		})
	}
	sched.Record(func(cmd gpusched.CommandBuffer) {
		if d, ok := cmd.(drawer); ok {
			d.Draw(3, 1)
		}
	})
	sched.Flush(f.RenderReady(), nil)
	if err := m.Present(f); err != nil {
		return err
	}

	done := fences.CreateFence(false)
	fences.QueueFence(done)
	fences.Defer(done, func() { dev.DestroyBuffer(uniforms) })
	return nil
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}

// savePNG writes the last presented image of a readback swapchain.
func savePNG(sc gpusched.Swapchain, path string) error {
	rb, ok := sc.(interface {
		ReadPixels() ([]byte, gpusched.Extent2D, error)
	})
	if !ok {
		return fmt.Errorf("swapchain %T has no readback", sc)
	}
	pix, extent, err := rb.ReadPixels()
	if err != nil {
		return err
	}
	img := &image.NRGBA{
		Pix:    pix,
		Stride: int(extent.Width) * 4,
		Rect:   image.Rect(0, 0, int(extent.Width), int(extent.Height)),
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	gpusched.Logger().Info("schedemo: saved", "path", path, "extent", extent)
	return nil
}
