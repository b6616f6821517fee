//go:build !nogpu

package native

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// DefaultPipelineCacheSize is the default soft limit of the fill pipeline
// cache.
const DefaultPipelineCacheSize = 32

type fillKey struct {
	format gputypes.TextureFormat
	color  [4]float32
}

type cachedPipeline struct {
	pipeline *Pipeline
	atime    int64
}

// pipelineCache is an LRU of fill pipelines with a soft limit. Evicted
// pipelines may still be referenced by recorded command buffers, so they
// are retired and destroyed only once the device is idle.
type pipelineCache struct {
	dev       *Device
	mu        sync.Mutex
	entries   map[fillKey]*cachedPipeline
	retired   []*Pipeline
	softLimit int
	tick      int64 // monotonic access counter
}

func newPipelineCache(dev *Device, softLimit int) *pipelineCache {
	return &pipelineCache{
		dev:       dev,
		entries:   make(map[fillKey]*cachedPipeline),
		softLimit: softLimit,
	}
}

// FillPipeline returns the cached fill pipeline for format and color,
// creating it on a miss. The device owns the pipeline. A pipeline evicted
// from the cache stays valid until the next WaitIdle or Close, so callers
// look it up again for every frame instead of holding on to it.
func (d *Device) FillPipeline(format gputypes.TextureFormat, color [4]float32) (*Pipeline, error) {
	return d.fills.get(fillKey{format: format, color: color})
}

// CachedPipelines returns the number of live entries in the fill pipeline
// cache.
func (d *Device) CachedPipelines() int {
	d.fills.mu.Lock()
	defer d.fills.mu.Unlock()
	return len(d.fills.entries)
}

func (c *pipelineCache) get(key fillKey) (*Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	if e, ok := c.entries[key]; ok {
		e.atime = c.tick
		return e.pipeline, nil
	}

	label := fmt.Sprintf("fill_%v_%.3g_%.3g_%.3g_%.3g", key.format, key.color[0], key.color[1], key.color[2], key.color[3])
	p, err := c.dev.CreateFillPipeline(label, key.format, key.color)
	if err != nil {
		return nil, err
	}
	c.entries[key] = &cachedPipeline{pipeline: p, atime: c.tick}
	if c.softLimit > 0 && len(c.entries) > c.softLimit {
		c.evictOldestLocked()
	}
	return p, nil
}

// evictOldestLocked retires the least recently used quarter of the entries.
func (c *pipelineCache) evictOldestLocked() {
	target := max(c.softLimit*3/4, 1)
	for len(c.entries) > target {
		var (
			oldest fillKey
			atime  int64 = -1
		)
		for k, e := range c.entries {
			if atime < 0 || e.atime < atime {
				oldest, atime = k, e.atime
			}
		}
		c.retired = append(c.retired, c.entries[oldest].pipeline)
		delete(c.entries, oldest)
	}
	c.dev.log.Debug("native: fill pipelines evicted", "retired", len(c.retired), "live", len(c.entries))
}

// destroyRetired destroys evicted pipelines. The device must be idle.
func (c *pipelineCache) destroyRetired() {
	c.mu.Lock()
	retired := c.retired
	c.retired = nil
	c.mu.Unlock()

	for _, p := range retired {
		c.dev.DestroyPipeline(p)
	}
}

// destroy destroys every pipeline, cached or retired.
func (c *pipelineCache) destroy() {
	c.mu.Lock()
	for k, e := range c.entries {
		c.retired = append(c.retired, e.pipeline)
		delete(c.entries, k)
	}
	c.mu.Unlock()
	c.destroyRetired()
}
