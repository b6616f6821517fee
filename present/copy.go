package present

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gogpu/gpusched"
)

// copyToSwapchain presents f, recreating the surface or swapchain and
// retrying the same frame on recoverable failures. presentMu must be held.
func (m *Manager) copyToSwapchain(f *Frame) error {
	start := time.Now()
	for {
		err := m.copyOnce(f)
		switch gpusched.KindOf(err) {
		case gpusched.KindNone:
			m.metrics.presented.Inc()
			m.metrics.copySeconds.Observe(time.Since(start).Seconds())
			return nil

		case gpusched.KindSurfaceRecreation:
			m.log.Warn("present: surface lost, recreating", "frame", f.index, "err", err)
			if rerr := m.recreateSurface(f.extent); rerr != nil {
				return rerr
			}

		case gpusched.KindSwapchainRecreation:
			m.log.Info("present: swapchain out of date, recreating", "frame", f.index, "err", err)
			if rerr := m.recreateSwapchain(f.extent); rerr != nil {
				return rerr
			}

		case gpusched.KindDeviceLost:
			m.log.Error("present: device lost", "err", err)
			m.dev.ReportLoss()
			return err

		default:
			m.log.Error("present: unexpected error", "frame", f.index, "err", err)
			return err
		}
		m.metrics.retries.Inc()
	}
}

// copyOnce acquires a swapchain image, records and submits the copy of f
// into it and presents it.
func (m *Manager) copyOnce(f *Frame) error {
	for {
		recreate, err := m.sc.AcquireNext()
		if err != nil {
			return err
		}
		if !recreate {
			break
		}
		if err := m.recreateSwapchain(f.extent); err != nil {
			return err
		}
	}

	waits := []gpusched.Semaphore{m.sc.CurrentAcquireSemaphore()}
	if f.copied {
		// An earlier attempt already consumed renderReady and was queued
		// behind the render submission. Its copy must finish before the
		// fence is reused.
		if _, err := f.presentDone.Wait(-1); err != nil {
			return err
		}
		m.releaseCopy(f)
	} else {
		waits = append(waits, f.renderReady)
	}

	cmd, err := m.pool.Allocate()
	if err != nil {
		return fmt.Errorf("present: allocate copy buffer: %w", err)
	}
	if err := cmd.Begin(); err != nil {
		m.pool.Release(0, cmd)
		return fmt.Errorf("present: begin copy buffer: %w", err)
	}
	m.recordCopy(cmd, f, m.sc.CurrentImage(), m.sc.Extent())
	if err := cmd.End(); err != nil {
		m.pool.Release(0, cmd)
		return fmt.Errorf("present: record copy: %w", err)
	}

	if err := f.presentDone.Reset(); err != nil {
		m.pool.Release(0, cmd)
		return fmt.Errorf("present: reset fence: %w", err)
	}
	presentSem := m.sc.CurrentPresentSemaphore()
	sub := gpusched.Submission{
		Primary: cmd,
		Wait:    waits,
		Signal:  []gpusched.Semaphore{presentSem},
		Fence:   f.presentDone,
	}
	lock := m.sched.SubmitLocker()
	lock.Lock()
	err = m.authority.Submit(sub)
	lock.Unlock()
	if err != nil {
		m.pool.Release(0, cmd)
		return fmt.Errorf("present: submit copy: %w", err)
	}
	f.copyCmd = cmd
	f.copied = true

	return m.sc.Present(presentSem)
}

// recordCopy records the transfer of f's image into dst and the transition
// of dst to the presentable layout.
func (m *Manager) recordCopy(cmd gpusched.CommandBuffer, f *Frame, dst gpusched.Image, dstExtent gpusched.Extent2D) {
	cmd.PipelineBarrier(gpusched.Barrier{
		SrcStage: gpusched.StageColorAttachmentOutput,
		DstStage: gpusched.StageTransfer,
		Images: []gpusched.ImageBarrier{
			{
				Image:     f.image,
				SrcAccess: gpusched.AccessColorAttachmentWrite,
				DstAccess: gpusched.AccessTransferRead,
				OldLayout: gpusched.LayoutGeneral,
				NewLayout: gpusched.LayoutTransferSrc,
				Range:     gpusched.ColorRange,
			},
			{
				Image:     dst,
				DstAccess: gpusched.AccessTransferWrite,
				OldLayout: gpusched.LayoutUndefined,
				NewLayout: gpusched.LayoutTransferDst,
				Range:     gpusched.ColorRange,
			},
		},
	})

	if m.blit && f.extent != dstExtent {
		cmd.BlitImage(f.image, dst, []gpusched.ImageBlit{{
			SrcOffsets: [2]gpusched.Offset2D{{}, {X: int32(f.extent.Width), Y: int32(f.extent.Height)}},
			DstOffsets: [2]gpusched.Offset2D{{}, {X: int32(dstExtent.Width), Y: int32(dstExtent.Height)}},
		}}, gpusched.FilterLinear)
	} else {
		cmd.CopyImage(f.image, dst, []gpusched.ImageCopy{{Extent: f.extent.Min(dstExtent)}})
	}

	cmd.PipelineBarrier(gpusched.Barrier{
		SrcStage: gpusched.StageTransfer,
		DstStage: gpusched.StageBottomOfPipe,
		Images: []gpusched.ImageBarrier{{
			Image:     dst,
			SrcAccess: gpusched.AccessTransferWrite,
			DstAccess: gpusched.AccessMemoryRead,
			OldLayout: gpusched.LayoutTransferDst,
			NewLayout: gpusched.LayoutPresentSrc,
			Range:     gpusched.ColorRange,
		}},
	})
}

// recreateSwapchain waits for the GPU, rebuilds the swapchain at extent with
// the preferred present mode and resizes the frame pool. presentMu must be
// held.
func (m *Manager) recreateSwapchain(extent gpusched.Extent2D) error {
	if err := m.dev.WaitIdle(); err != nil {
		return fmt.Errorf("present: wait idle: %w", err)
	}

	lo, hi := m.sc.ImageCountRange()
	cfg := gpusched.SwapchainConfig{
		Extent:     extent,
		Mode:       choosePresentMode(m.sc.PresentModes(), m.opts.modes),
		ImageCount: chooseImageCount(lo, hi),
	}
	if err := m.sc.Create(m.surface, cfg); err != nil {
		return fmt.Errorf("present: create swapchain: %w", err)
	}
	m.blit = m.dev.SupportsBlit(m.sc.ImageFormat())
	m.metrics.recreations.WithLabelValues("swapchain").Inc()
	m.log.Info("present: swapchain created",
		"extent", cfg.Extent, "mode", cfg.Mode, "images", m.sc.ImageCount(), "blit", m.blit)

	return m.resizePool(frameCount(m.sc.ImageCount()))
}

// recreateSurface replaces a lost surface and rebuilds the swapchain on
// it, retrying with exponential backoff while the new surface is lost too.
// presentMu must be held.
func (m *Manager) recreateSurface(extent gpusched.Extent2D) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		surface, err := m.surfaces.CreateSurface()
		if err != nil {
			return retryable(err)
		}
		if m.surface != nil {
			m.surfaces.DestroySurface(m.surface)
		}
		m.surface = surface
		m.metrics.recreations.WithLabelValues("surface").Inc()
		return retryable(m.recreateSwapchain(extent))
	}
	notify := func(err error, next time.Duration) {
		m.log.Warn("present: surface recreation failed, retrying",
			"attempt", attempt, "next", next, "err", err)
	}

	err := backoff.RetryNotify(op, backoff.WithMaxRetries(b, m.opts.surfaceRetries), notify)
	if err != nil {
		return fmt.Errorf("present: recreate surface after %d attempts: %w", attempt, err)
	}
	return nil
}

// retryable marks every error except surface loss as permanent.
func retryable(err error) error {
	if err == nil || gpusched.KindOf(err) == gpusched.KindSurfaceRecreation {
		return err
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return err
	}
	return backoff.Permanent(err)
}
