// Package wltransport drives a wsa.Agent over a real Wayland connection
// using github.com/neurlang/wayland and the wl_drm binding in wldrm.
//
// neurlang/wayland has no client side event queues: every request is
// written when it is made and dispatching reads the whole display. A queue
// here is therefore the display it was created on, DispatchQueuePending and
// Flush have nothing to do, and wrappers only remember their target.
//
// wl_registry and wl_drm have no destructor, so the compositor keeps
// sending to them. Destroying one only detaches its handlers and leaves
// the proxy registered. Buffers and callbacks are unregistered, and events
// that still arrive for them are skipped by dispatch.
package wltransport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/neurlang/wayland/wl"
	"github.com/neurlang/wayland/wlclient"

	wsa "github.com/tuxx/wayland-wsa-go"
	"github.com/tuxx/wayland-wsa-go/wldrm"
)

// Transport implements wsa.Transport for *wl.Display and *wl.Surface.
type Transport struct {
	log *log.Logger

	mu     sync.Mutex
	detach map[wsa.Object][]func()
}

// New returns a Transport. A nil logger discards output.
func New(logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Transport{log: logger, detach: make(map[wsa.Object][]func())}
}

var _ wsa.Transport = (*Transport)(nil)

type queue struct {
	display *wl.Display
}

type wrapper struct {
	target any
	queue  *queue
}

func displayOf(v any) (*wl.Display, error) {
	d, ok := v.(*wl.Display)
	if !ok || d == nil {
		return nil, fmt.Errorf("wltransport: display is %T, want *wl.Display", v)
	}
	return d, nil
}

func queueOf(q wsa.Queue) *queue {
	mq, ok := q.(*queue)
	if !ok {
		panic(fmt.Sprintf("wltransport: foreign queue %T", q))
	}
	return mq
}

func unwrap[T any](o wsa.Object) (T, error) {
	var zero T
	w, ok := o.(*wrapper)
	if !ok {
		return zero, fmt.Errorf("wltransport: %T is not a wrapper", o)
	}
	v, ok := w.target.(T)
	if !ok {
		return zero, fmt.Errorf("wltransport: wrapper of %T, want %T", w.target, zero)
	}
	return v, nil
}

func as[T any](o wsa.Object) (T, error) {
	v, ok := o.(T)
	if !ok {
		return v, fmt.Errorf("wltransport: object is %T, want %T", o, v)
	}
	return v, nil
}

// CreateQueue returns the logical queue of display.
func (t *Transport) CreateQueue(display any) (wsa.Queue, error) {
	d, err := displayOf(display)
	if err != nil {
		return nil, err
	}
	return &queue{display: d}, nil
}

func (t *Transport) DestroyQueue(q wsa.Queue) {
	queueOf(q).display = nil
}

func (t *Transport) WrapProxy(obj any, q wsa.Queue) (wsa.Object, error) {
	switch obj.(type) {
	case *wl.Display, *wl.Surface, *wldrm.Drm:
	default:
		return nil, fmt.Errorf("wltransport: cannot wrap %T", obj)
	}
	return &wrapper{target: obj, queue: queueOf(q)}, nil
}

func (t *Transport) GetRegistry(display wsa.Object) (wsa.Object, error) {
	d, err := unwrap[*wl.Display](display)
	if err != nil {
		return nil, err
	}
	r, err := d.GetRegistry()
	if err != nil {
		return nil, fmt.Errorf("get registry: %w", err)
	}
	return r, nil
}

type globalHandler struct {
	fn func(wsa.GlobalEvent)
}

// HandleRegistryGlobal implements wl.RegistryGlobalHandler
func (h *globalHandler) HandleRegistryGlobal(ev wl.RegistryGlobalEvent) {
	h.fn(wsa.GlobalEvent{Name: ev.Name, Interface: ev.Interface, Version: ev.Version})
}

func (t *Transport) AddGlobalListener(registry wsa.Object, fn func(wsa.GlobalEvent)) error {
	r, err := as[*wl.Registry](registry)
	if err != nil {
		return err
	}
	h := &globalHandler{fn: fn}
	r.AddGlobalHandler(h)
	t.onDestroy(r, func() { r.RemoveGlobalHandler(h) })
	return nil
}

// onDestroy records fn to run when obj is destroyed.
func (t *Transport) onDestroy(obj wsa.Object, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detach[obj] = append(t.detach[obj], fn)
}

func (t *Transport) runDetach(obj wsa.Object) {
	t.mu.Lock()
	fns := t.detach[obj]
	delete(t.detach, obj)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *Transport) Bind(registry wsa.Object, name uint32, iface string, version uint32) (wsa.Object, error) {
	r, err := as[*wl.Registry](registry)
	if err != nil {
		return nil, err
	}
	if iface != wldrm.Interface {
		return nil, fmt.Errorf("wltransport: cannot bind %q", iface)
	}
	return wldrm.BindDrm(r, name, version)
}

type drmHandler struct {
	l wsa.DrmListener
}

// HandleDrmDevice implements wldrm.DrmDeviceHandler
func (h *drmHandler) HandleDrmDevice(ev wldrm.DrmDeviceEvent) {
	if h.l.Device != nil {
		h.l.Device(ev.Name)
	}
}

// HandleDrmFormat implements wldrm.DrmFormatHandler
func (h *drmHandler) HandleDrmFormat(ev wldrm.DrmFormatEvent) {
	if h.l.Format != nil {
		h.l.Format(ev.Format)
	}
}

// HandleDrmAuthenticated implements wldrm.DrmAuthenticatedHandler
func (h *drmHandler) HandleDrmAuthenticated(ev wldrm.DrmAuthenticatedEvent) {
	if h.l.Authenticated != nil {
		h.l.Authenticated()
	}
}

// HandleDrmCapabilities implements wldrm.DrmCapabilitiesHandler
func (h *drmHandler) HandleDrmCapabilities(ev wldrm.DrmCapabilitiesEvent) {
	if h.l.Capabilities != nil {
		h.l.Capabilities(ev.Value)
	}
}

func (t *Transport) AddDrmListener(drm wsa.Object, l wsa.DrmListener) error {
	d, err := as[*wldrm.Drm](drm)
	if err != nil {
		return err
	}
	h := &drmHandler{l: l}
	wldrm.DrmAddListener(d, h)
	t.onDestroy(d, func() {
		d.RemoveDeviceHandler(h)
		d.RemoveFormatHandler(h)
		d.RemoveAuthenticatedHandler(h)
		d.RemoveCapabilitiesHandler(h)
	})
	return nil
}

// RoundtripQueue sends wl_display.sync and dispatches until its done event.
func (t *Transport) RoundtripQueue(q wsa.Queue) error {
	d := queueOf(q).display
	cb, err := d.Sync()
	if err != nil {
		cb.Unregister()
		return err
	}
	// The compositor destroys the sync callback once done is sent.
	defer cb.Unregister()
	for {
		err := d.Context().RunTill(cb)
		if !errors.Is(err, wl.ErrContextRunProxyNil) {
			return err
		}
		t.log.Debug("skipped event for destroyed proxy")
	}
}

// DispatchQueue reads and dispatches one event. The count is not
// reported by neurlang/wayland and is always 0.
func (t *Transport) DispatchQueue(q wsa.Queue) (int, error) {
	d := queueOf(q).display
	for {
		err := wlclient.DisplayDispatch(d)
		if err == nil {
			return 0, nil
		}
		if !errors.Is(err, wl.ErrContextRunProxyNil) {
			return -1, err
		}
		t.log.Debug("skipped event for destroyed proxy")
	}
}

// DispatchQueuePending does nothing: events are dispatched as soon as
// they are read.
func (t *Transport) DispatchQueuePending(q wsa.Queue) (int, error) {
	queueOf(q)
	return 0, nil
}

func (t *Transport) CreatePrimeBuffer(drm wsa.Object, fd int, width, height int32, format uint32, offset, stride int32) (wsa.Object, error) {
	d, err := unwrap[*wldrm.Drm](drm)
	if err != nil {
		return nil, err
	}
	b, err := d.CreatePrimeBuffer(uintptr(fd), width, height, format, offset, stride, 0, 0, 0, 0)
	if err != nil {
		b.Unregister()
		return nil, fmt.Errorf("create prime buffer: %w", err)
	}
	return b, nil
}

type releaseHandler struct {
	fn func()
}

// HandleBufferRelease implements wl.BufferReleaseHandler
func (h *releaseHandler) HandleBufferRelease(ev wl.BufferReleaseEvent) {
	h.fn()
}

func (t *Transport) AddBufferReleaseListener(buffer wsa.Object, fn func()) error {
	b, err := as[*wl.Buffer](buffer)
	if err != nil {
		return err
	}
	b.AddReleaseHandler(&releaseHandler{fn: fn})
	return nil
}

func (t *Transport) Attach(surface, buffer wsa.Object, x, y int32) error {
	s, err := unwrap[*wl.Surface](surface)
	if err != nil {
		return err
	}
	b, err := as[*wl.Buffer](buffer)
	if err != nil {
		return err
	}
	return s.Attach(b, x, y)
}

func (t *Transport) Damage(surface wsa.Object, x, y, width, height int32) error {
	s, err := unwrap[*wl.Surface](surface)
	if err != nil {
		return err
	}
	return s.Damage(x, y, width, height)
}

func (t *Transport) Frame(surface wsa.Object) (wsa.Object, error) {
	s, err := unwrap[*wl.Surface](surface)
	if err != nil {
		return nil, err
	}
	cb, err := s.Frame()
	if err != nil {
		cb.Unregister()
		return nil, fmt.Errorf("frame: %w", err)
	}
	return cb, nil
}

type doneHandler struct {
	cb *wl.Callback
	fn func()
}

// HandleCallbackDone implements wl.CallbackDoneHandler. The compositor
// destroys the callback with the done event, so the proxy goes too.
func (h *doneHandler) HandleCallbackDone(ev wl.CallbackDoneEvent) {
	h.cb.Unregister()
	h.fn()
}

func (t *Transport) AddFrameListener(callback wsa.Object, fn func()) error {
	cb, err := as[*wl.Callback](callback)
	if err != nil {
		return err
	}
	cb.AddDoneHandler(&doneHandler{cb: cb, fn: fn})
	return nil
}

func (t *Transport) Commit(surface wsa.Object) error {
	s, err := unwrap[*wl.Surface](surface)
	if err != nil {
		return err
	}
	return s.Commit()
}

// Flush does nothing: requests are written as they are made.
func (t *Transport) Flush(display any) error {
	_, err := displayOf(display)
	return err
}

func (t *Transport) Destroy(obj wsa.Object) {
	switch o := obj.(type) {
	case *wrapper:
		o.target = nil
	case *wl.Buffer:
		if err := o.Destroy(); err != nil {
			t.log.Warn("destroying wl_buffer", "id", o.Id(), "err", err)
		}
		o.Unregister()
	case *wl.Registry, *wldrm.Drm:
		t.runDetach(o)
	case *wl.Callback:
		o.Unregister()
	default:
		t.log.Error("destroy of unknown object", "type", fmt.Sprintf("%T", obj))
	}
}
