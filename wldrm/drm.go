// Package wldrm implements the client side of the wl_drm protocol
package wldrm

import (
	"fmt"

	"github.com/neurlang/wayland/wl"
)

// Interface is the registry interface name of wl_drm
const Interface = "wl_drm"

// MinVersion is the first version carrying create_prime_buffer and capabilities
const MinVersion uint32 = 2

// Basic type aliases for compatibility
type BaseProxy = wl.BaseProxy
type Event = wl.Event
type Context = wl.Context
type Proxy = wl.Proxy
type WlBuffer = wl.Buffer

// BindDrm binds to the wl_drm interface
func BindDrm(r *wl.Registry, name uint32, version uint32) (*Drm, error) {
	if version < MinVersion {
		return nil, fmt.Errorf("wl_drm version %d below %d", version, MinVersion)
	}

	drm := NewDrm(r.Context())
	if err := r.Bind(name, Interface, MinVersion, drm); err != nil {
		drm.Unregister()
		return nil, fmt.Errorf("failed to bind wl_drm: %w", err)
	}

	return drm, nil
}

// DrmAddListener adds all listeners for drm events
func DrmAddListener(d *Drm, h interface{}) {
	if handler, ok := h.(DrmDeviceHandler); ok {
		d.AddDeviceHandler(handler)
	}
	if handler, ok := h.(DrmFormatHandler); ok {
		d.AddFormatHandler(handler)
	}
	if handler, ok := h.(DrmAuthenticatedHandler); ok {
		d.AddAuthenticatedHandler(handler)
	}
	if handler, ok := h.(DrmCapabilitiesHandler); ok {
		d.AddCapabilitiesHandler(handler)
	}
}
