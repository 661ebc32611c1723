// Package wsa is a window system agent for Wayland. It lets a driver import
// dma-buf backed images through wl_drm, present them on a caller-owned
// surface, and learn when the compositor is done with them.
//
// Every operation that touches the connection runs under one lock per
// Agent. The lock also decides who may dispatch: listeners for frame done
// and buffer release events only run inside a dispatch the Agent issued.
package wsa

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/tuxx/wayland-wsa-go/internal/handle"
	"github.com/tuxx/wayland-wsa-go/wldrm"
)

// InterfaceVersion is the version of the agent interface.
const InterfaceVersion uint32 = 1

// UnknownExtent is reported for window dimensions the agent cannot query.
const UnknownExtent uint32 = 0xFFFFFFFF

// wl_drm negotiation constants.
const (
	DrmInterface    = wldrm.Interface
	DrmVersion      = wldrm.MinVersion
	CapabilityPrime = wldrm.DrmCapabilityPrime
)

// ContextHandle identifies a presentation context.
type ContextHandle int32

// ImageHandle identifies an imported image.
type ImageHandle int32

// Agent owns the context and image tables and serializes all access to the
// transport.
type Agent struct {
	mu        sync.Mutex
	transport Transport
	contexts  *handle.Table[*presentContext]
	images    *handle.Table[*image]
	log       *log.Logger
	closeFD   func(fd int) error

	// published mirrors the image table for the lock-free busy check in
	// ImageAvailable. Written only with mu held.
	published []atomic.Pointer[image]
}

// New returns an Agent driving t.
func New(t Transport, opts ...Option) *Agent {
	if t == nil {
		panic("wsa: nil transport")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Agent{
		transport: t,
		contexts:  handle.New[*presentContext](o.contextCapacity),
		images:    handle.New[*image](o.imageCapacity),
		log:       o.logger,
		closeFD:   o.closeFD,
		published: make([]atomic.Pointer[image], o.imageCapacity),
	}
}

// Version returns InterfaceVersion.
func (a *Agent) Version() uint32 {
	return InterfaceVersion
}

// WindowGeometry reports the size of the window behind surface. Wayland
// gives clients no way to query it, so both extents are UnknownExtent and
// the swapchain size is decided by the driver.
func (a *Agent) WindowGeometry(display, surface any) (width, height uint32, err error) {
	return UnknownExtent, UnknownExtent, nil
}

// PresentationSupported reports whether images can be presented to
// display. It always succeeds.
func (a *Agent) PresentationSupported(display, visual any) error {
	return nil
}

func contract(ok bool, format string, args ...any) {
	if !ok {
		panic("wsa: " + fmt.Sprintf(format, args...))
	}
}

func (a *Agent) checkContext(h ContextHandle) {
	contract(h >= 0 && int(h) < a.contexts.Cap(), "context handle %d out of range", h)
}

func (a *Agent) checkImage(h ImageHandle) {
	contract(h >= 0 && int(h) < a.images.Cap(), "image handle %d out of range", h)
}

// initialized returns the context for h. Must be called with mu held.
func (a *Agent) initialized(h ContextHandle) *presentContext {
	a.checkContext(h)
	c, ok := a.contexts.Get(int(h))
	contract(ok && c.initialized, "context %d is not initialized", h)
	return c
}

func (a *Agent) close(fd int) {
	if err := a.closeFD(fd); err != nil {
		a.log.Warn("closing imported fd", "fd", fd, "err", err)
	}
}
