// Package wldrm implements the client side of the wl_drm protocol
package wldrm

import (
	"sync"

	"github.com/neurlang/wayland/wl"
)

// Error constants for wl_drm
const (
	DrmErrorAuthenticateFail uint32 = iota
	DrmErrorInvalidFormat
	DrmErrorInvalidName
)

// Capability bits announced by the capabilities event
const (
	// DrmCapabilityPrime means the compositor accepts create_prime_buffer
	DrmCapabilityPrime uint32 = 1
)

// Protocol request constants for wl_drm
const (
	DrmRequestAuthenticate uint32 = iota
	DrmRequestCreateBuffer
	DrmRequestCreatePlanarBuffer
	DrmRequestCreatePrimeBuffer
)

// Protocol event constants for wl_drm
const (
	DrmEventDevice uint32 = iota
	DrmEventFormat
	DrmEventAuthenticated
	DrmEventCapabilities
)

// Drm represents a wl_drm object
type Drm struct {
	BaseProxy
	mu                      sync.RWMutex
	privateDrmDevice        []DrmDeviceHandler
	privateDrmFormat        []DrmFormatHandler
	privateDrmAuthenticated []DrmAuthenticatedHandler
	privateDrmCapabilities  []DrmCapabilitiesHandler
}

// NewDrm is a constructor for the Drm object
func NewDrm(ctx *Context) *Drm {
	ret := new(Drm)
	ctx.Register(ret)
	return ret
}

// Authenticate asks the compositor to authenticate a DRM magic token
func (d *Drm) Authenticate(id uint32) error {
	return d.Context().SendRequest(d, DrmRequestAuthenticate, id)
}

// CreateBuffer creates a buffer from a flink name
func (d *Drm) CreateBuffer(name uint32, width, height int32, stride, format uint32) (*WlBuffer, error) {
	retId := wl.NewBuffer(d.Context())
	return retId, d.Context().SendRequest(d, DrmRequestCreateBuffer, retId, name, width, height, stride, format)
}

// CreatePlanarBuffer creates a multi-planar buffer from a flink name
func (d *Drm) CreatePlanarBuffer(name uint32, width, height int32, format uint32,
	offset0, stride0, offset1, stride1, offset2, stride2 int32) (*WlBuffer, error) {
	retId := wl.NewBuffer(d.Context())
	return retId, d.Context().SendRequest(d, DrmRequestCreatePlanarBuffer, retId, name, width, height, format,
		offset0, stride0, offset1, stride1, offset2, stride2)
}

// CreatePrimeBuffer creates a buffer from a dma-buf file descriptor.
// The descriptor is duplicated into the message; the caller keeps ownership.
func (d *Drm) CreatePrimeBuffer(fd uintptr, width, height int32, format uint32,
	offset0, stride0, offset1, stride1, offset2, stride2 int32) (*WlBuffer, error) {
	retId := wl.NewBuffer(d.Context())
	return retId, d.Context().SendRequest(d, DrmRequestCreatePrimeBuffer, retId, fd, width, height, format,
		offset0, stride0, offset1, stride1, offset2, stride2)
}

// Dispatch dispatches event for Drm
func (d *Drm) Dispatch(event *Event) {
	switch event.Opcode {
	case DrmEventDevice:
		if len(d.privateDrmDevice) > 0 {
			ev := DrmDeviceEvent{}
			ev.Name = event.String()
			d.mu.RLock()
			for _, h := range d.privateDrmDevice {
				h.HandleDrmDevice(ev)
			}
			d.mu.RUnlock()
		}
	case DrmEventFormat:
		if len(d.privateDrmFormat) > 0 {
			ev := DrmFormatEvent{}
			ev.Format = event.Uint32()
			d.mu.RLock()
			for _, h := range d.privateDrmFormat {
				h.HandleDrmFormat(ev)
			}
			d.mu.RUnlock()
		}
	case DrmEventAuthenticated:
		if len(d.privateDrmAuthenticated) > 0 {
			ev := DrmAuthenticatedEvent{}
			d.mu.RLock()
			for _, h := range d.privateDrmAuthenticated {
				h.HandleDrmAuthenticated(ev)
			}
			d.mu.RUnlock()
		}
	case DrmEventCapabilities:
		if len(d.privateDrmCapabilities) > 0 {
			ev := DrmCapabilitiesEvent{}
			ev.Value = event.Uint32()
			d.mu.RLock()
			for _, h := range d.privateDrmCapabilities {
				h.HandleDrmCapabilities(ev)
			}
			d.mu.RUnlock()
		}
	}
}

// DrmDeviceEvent carries the path of the DRM device the compositor uses
type DrmDeviceEvent struct {
	Name string
}

// DrmFormatEvent announces one supported fourcc format
type DrmFormatEvent struct {
	Format uint32
}

// DrmAuthenticatedEvent acknowledges a successful Authenticate
type DrmAuthenticatedEvent struct {
}

// DrmCapabilitiesEvent carries the capability bitmask
type DrmCapabilitiesEvent struct {
	Value uint32
}

// DrmDeviceHandler is the handler interface for DrmDeviceEvent
type DrmDeviceHandler interface {
	HandleDrmDevice(DrmDeviceEvent)
}

// AddDeviceHandler adds the Device handler
func (d *Drm) AddDeviceHandler(h DrmDeviceHandler) {
	if h != nil {
		d.mu.Lock()
		d.privateDrmDevice = append(d.privateDrmDevice, h)
		d.mu.Unlock()
	}
}

// RemoveDeviceHandler removes the Device handler
func (d *Drm) RemoveDeviceHandler(h DrmDeviceHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.privateDrmDevice {
		if e == h {
			d.privateDrmDevice = append(d.privateDrmDevice[:i], d.privateDrmDevice[i+1:]...)
			break
		}
	}
}

// DrmFormatHandler is the handler interface for DrmFormatEvent
type DrmFormatHandler interface {
	HandleDrmFormat(DrmFormatEvent)
}

// AddFormatHandler adds the Format handler
func (d *Drm) AddFormatHandler(h DrmFormatHandler) {
	if h != nil {
		d.mu.Lock()
		d.privateDrmFormat = append(d.privateDrmFormat, h)
		d.mu.Unlock()
	}
}

// RemoveFormatHandler removes the Format handler
func (d *Drm) RemoveFormatHandler(h DrmFormatHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.privateDrmFormat {
		if e == h {
			d.privateDrmFormat = append(d.privateDrmFormat[:i], d.privateDrmFormat[i+1:]...)
			break
		}
	}
}

// DrmAuthenticatedHandler is the handler interface for DrmAuthenticatedEvent
type DrmAuthenticatedHandler interface {
	HandleDrmAuthenticated(DrmAuthenticatedEvent)
}

// AddAuthenticatedHandler adds the Authenticated handler
func (d *Drm) AddAuthenticatedHandler(h DrmAuthenticatedHandler) {
	if h != nil {
		d.mu.Lock()
		d.privateDrmAuthenticated = append(d.privateDrmAuthenticated, h)
		d.mu.Unlock()
	}
}

// RemoveAuthenticatedHandler removes the Authenticated handler
func (d *Drm) RemoveAuthenticatedHandler(h DrmAuthenticatedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.privateDrmAuthenticated {
		if e == h {
			d.privateDrmAuthenticated = append(d.privateDrmAuthenticated[:i], d.privateDrmAuthenticated[i+1:]...)
			break
		}
	}
}

// DrmCapabilitiesHandler is the handler interface for DrmCapabilitiesEvent
type DrmCapabilitiesHandler interface {
	HandleDrmCapabilities(DrmCapabilitiesEvent)
}

// AddCapabilitiesHandler adds the Capabilities handler
func (d *Drm) AddCapabilitiesHandler(h DrmCapabilitiesHandler) {
	if h != nil {
		d.mu.Lock()
		d.privateDrmCapabilities = append(d.privateDrmCapabilities, h)
		d.mu.Unlock()
	}
}

// RemoveCapabilitiesHandler removes the Capabilities handler
func (d *Drm) RemoveCapabilitiesHandler(h DrmCapabilitiesHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.privateDrmCapabilities {
		if e == h {
			d.privateDrmCapabilities = append(d.privateDrmCapabilities[:i], d.privateDrmCapabilities[i+1:]...)
			break
		}
	}
}
