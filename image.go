package wsa

import (
	"math"
	"slices"
	"sync/atomic"
)

type image struct {
	buffer Object

	// busy is set by Present and cleared by the buffer release event.
	busy atomic.Bool
}

// CreateImage imports a dma-buf as a presentable image through the wl_drm
// bound by ctx. The call owns fd: it is closed before CreateImage returns,
// whether the import succeeded or not.
func (a *Agent) CreateImage(ctx ContextHandle, fd int, width, height uint32, format Format, stride uint32) (ImageHandle, error) {
	contract(fd >= 0, "create image: invalid fd %d", fd)
	contract(width != 0 && height != 0 && stride != 0, "create image: zero extent %dx%d stride %d", width, height, stride)
	contract(width <= math.MaxInt32 && height <= math.MaxInt32 && stride <= math.MaxInt32,
		"create image: extent %dx%d stride %d overflows", width, height, stride)

	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.close(fd)

	c := a.initialized(ctx)
	if len(c.formats) > 0 && !slices.Contains(c.formats, format) {
		a.log.Warn("format not announced by compositor", "context", ctx, "format", format)
	}

	t := a.transport
	buf, err := t.CreatePrimeBuffer(c.drmWrapper, fd, int32(width), int32(height), uint32(format), 0, int32(stride))
	if err != nil {
		return -1, unknown("import prime buffer", err)
	}

	img := &image{buffer: buf}
	h, err := a.images.Allocate(img)
	if err != nil {
		t.Destroy(buf)
		return -1, notEnough("allocate image", err)
	}
	if err := t.AddBufferReleaseListener(buf, func() { img.busy.Store(false) }); err != nil {
		a.images.Release(h)
		t.Destroy(buf)
		return -1, unknown("add buffer listener", err)
	}
	a.published[h].Store(img)

	a.log.Debug("image created", "handle", h, "context", ctx, "width", width, "height", height, "format", format)
	return ImageHandle(h), nil
}

// DestroyImage destroys the image's buffer and frees its slot. It does not
// wait for the compositor to release the buffer; the driver must not free
// the backing memory while the image is busy.
func (a *Agent) DestroyImage(h ImageHandle) {
	a.checkImage(h)

	a.mu.Lock()
	defer a.mu.Unlock()

	img, ok := a.images.Release(int(h))
	if !ok {
		return
	}
	a.published[h].Store(nil)
	if img.buffer != nil {
		a.transport.Destroy(img.buffer)
	}
	a.log.Debug("image destroyed", "handle", h, "busy", img.busy.Load())
}
