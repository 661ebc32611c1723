package wsa

import (
	"errors"
	"slices"
	"sync/atomic"
)

type presentContext struct {
	initialized bool

	// Caller-owned, never destroyed here.
	display any
	surface any

	queue          Queue
	displayWrapper Object
	surfaceWrapper Object
	drm            Object
	drmWrapper     Object

	// frame is the callback of the last present, nil once it fired.
	frame Object

	capabilities  uint32
	device        string
	formats       []Format
	authenticated bool

	frameCompleted atomic.Bool
}

// ContextInfo is what the compositor announced on a context's wl_drm.
type ContextInfo struct {
	Capabilities  uint32   `json:"capabilities"`
	PrimeImport   bool     `json:"prime_import"`
	Device        string   `json:"device"`
	Formats       []Format `json:"formats"`
	Authenticated bool     `json:"authenticated"`
}

// CreateContext reserves a context slot. The context is unusable until
// InitializeContext succeeds.
func (a *Agent) CreateContext() (ContextHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, err := a.contexts.Allocate(&presentContext{})
	if err != nil {
		return -1, notEnough("create context", err)
	}
	a.log.Debug("context created", "handle", h)
	return ContextHandle(h), nil
}

// InitializeContext binds wl_drm on a private queue of display and checks
// that the compositor accepts prime buffers. display and surface stay owned
// by the caller and must outlive the context.
//
// On failure the context keeps whatever it acquired before the failing
// step; DestroyContext releases it.
func (a *Agent) InitializeContext(h ContextHandle, display, surface any) error {
	contract(display != nil && surface != nil, "initialize context %d: nil display or surface", h)
	a.checkContext(h)

	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.contexts.Get(int(h))
	contract(ok, "initialize context %d: not created", h)
	contract(!c.initialized && c.queue == nil, "initialize context %d: already initialized", h)

	err := a.negotiate(c, display, surface)
	c.frameCompleted.Store(true)
	if err != nil {
		a.log.Error("context initialization failed", "handle", h, "err", err)
		return err
	}

	c.display = display
	c.surface = surface
	c.initialized = true
	a.log.Debug("context initialized", "handle", h, "device", c.device, "formats", len(c.formats))
	return nil
}

func (a *Agent) negotiate(c *presentContext, display, surface any) error {
	t := a.transport

	q, err := t.CreateQueue(display)
	if err != nil {
		return notEnough("create event queue", err)
	}
	c.queue = q

	dw, err := t.WrapProxy(display, q)
	if err != nil {
		return notEnough("wrap display", err)
	}
	c.displayWrapper = dw

	registry, err := t.GetRegistry(dw)
	if err != nil {
		return unknown("get registry", err)
	}
	defer t.Destroy(registry)

	var bindErr error
	err = t.AddGlobalListener(registry, func(ev GlobalEvent) {
		if ev.Interface != DrmInterface {
			return
		}
		if c.drm != nil {
			a.log.Warn("ignoring second wl_drm global", "name", ev.Name)
			return
		}
		if ev.Version < DrmVersion {
			a.log.Warn("wl_drm too old", "version", ev.Version, "want", DrmVersion)
			return
		}
		drm, err := t.Bind(registry, ev.Name, DrmInterface, DrmVersion)
		if err != nil {
			bindErr = err
			return
		}
		c.drm = drm
		bindErr = t.AddDrmListener(drm, a.drmListener(c))
	})
	if err != nil {
		return unknown("add registry listener", err)
	}

	if err := t.RoundtripQueue(q); err != nil {
		return unknown("registry roundtrip", err)
	}
	if c.drm == nil {
		return unknown("wl_drm global not available", bindErr)
	}
	if bindErr != nil {
		return unknown("bind wl_drm", bindErr)
	}
	a.log.Debug("bound wl_drm")

	drmw, err := t.WrapProxy(c.drm, q)
	if err != nil {
		return unknown("wrap wl_drm", err)
	}
	c.drmWrapper = drmw

	if err := t.RoundtripQueue(q); err != nil {
		return unknown("wl_drm roundtrip", err)
	}
	if c.capabilities&CapabilityPrime == 0 {
		return unknown("compositor lacks prime buffer import", errors.New("wl_drm capability prime not set"))
	}

	sw, err := t.WrapProxy(surface, q)
	if err != nil {
		return unknown("wrap surface", err)
	}
	c.surfaceWrapper = sw
	return nil
}

func (a *Agent) drmListener(c *presentContext) DrmListener {
	return DrmListener{
		Device: func(name string) {
			c.device = name
		},
		Format: func(format uint32) {
			if !slices.Contains(c.formats, Format(format)) {
				c.formats = append(c.formats, Format(format))
			}
		},
		Authenticated: func() {
			c.authenticated = true
		},
		Capabilities: func(caps uint32) {
			c.capabilities = caps
		},
	}
}

// DestroyContext releases everything the context owns and frees its slot.
// Destroying a free slot is a no-op.
func (a *Agent) DestroyContext(h ContextHandle) {
	a.checkContext(h)

	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.contexts.Get(int(h))
	if !ok {
		a.log.Debug("destroy of free context slot", "handle", h)
		return
	}

	t := a.transport
	if c.frame != nil {
		t.Destroy(c.frame)
		c.frame = nil
	}
	if c.drmWrapper != nil {
		t.Destroy(c.drmWrapper)
		c.drmWrapper = nil
	}
	if c.drm != nil {
		t.Destroy(c.drm)
		c.drm = nil
	}
	if c.surfaceWrapper != nil {
		t.Destroy(c.surfaceWrapper)
		c.surfaceWrapper = nil
	}
	if c.displayWrapper != nil {
		t.Destroy(c.displayWrapper)
		c.displayWrapper = nil
	}
	if c.queue != nil {
		t.DestroyQueue(c.queue)
		c.queue = nil
	}
	c.initialized = false

	a.contexts.Release(int(h))
	a.log.Debug("context destroyed", "handle", h)
}

// ContextInfo returns the wl_drm state negotiated for an initialized
// context.
func (a *Agent) ContextInfo(h ContextHandle) ContextInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.initialized(h)
	return ContextInfo{
		Capabilities:  c.capabilities,
		PrimeImport:   c.capabilities&CapabilityPrime != 0,
		Device:        c.device,
		Formats:       slices.Clone(c.formats),
		Authenticated: c.authenticated,
	}
}
