package wltransport

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/neurlang/wayland/wl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wsa "github.com/tuxx/wayland-wsa-go"
	"github.com/tuxx/wayland-wsa-go/wldrm"
)

func TestCreateQueueRejectsForeignDisplay(t *testing.T) {
	tr := New(nil)

	_, err := tr.CreateQueue("wayland-0")
	require.ErrorContains(t, err, "want *wl.Display")

	q, err := tr.CreateQueue(&wl.Display{})
	require.NoError(t, err)
	tr.DestroyQueue(q)

	require.Error(t, tr.Flush(nil))
}

func TestWrapProxy(t *testing.T) {
	tr := New(nil)
	q, err := tr.CreateQueue(&wl.Display{})
	require.NoError(t, err)

	_, err = tr.WrapProxy(42, q)
	require.Error(t, err)

	s := &wl.Surface{}
	w, err := tr.WrapProxy(s, q)
	require.NoError(t, err)

	got, err := unwrap[*wl.Surface](w)
	require.NoError(t, err)
	require.Same(t, s, got)

	_, err = unwrap[*wl.Display](w)
	require.ErrorContains(t, err, "wrapper of *wl.Surface")

	_, err = tr.GetRegistry(w)
	require.Error(t, err)
	_, err = tr.CreatePrimeBuffer(w, 3, 1, 1, uint32(wsa.FormatXRGB8888), 0, 4)
	require.Error(t, err)

	tr.Destroy(w)
}

func TestBindRejectsOtherInterfaces(t *testing.T) {
	tr := New(nil)
	_, err := tr.Bind(&wl.Registry{}, 1, "wl_shm", 1)
	require.ErrorContains(t, err, `cannot bind "wl_shm"`)

	_, err = tr.Bind("registry", 1, wldrm.Interface, 2)
	require.Error(t, err)
}

func TestHandlersForwardEvents(t *testing.T) {
	var globals []wsa.GlobalEvent
	gh := &globalHandler{fn: func(ev wsa.GlobalEvent) { globals = append(globals, ev) }}
	gh.HandleRegistryGlobal(wl.RegistryGlobalEvent{Name: 7, Interface: wldrm.Interface, Version: 2})
	require.Equal(t, []wsa.GlobalEvent{{Name: 7, Interface: wldrm.Interface, Version: 2}}, globals)

	var (
		device string
		format uint32
		caps   uint32
		authed bool
	)
	dh := &drmHandler{l: wsa.DrmListener{
		Device:        func(name string) { device = name },
		Format:        func(f uint32) { format = f },
		Authenticated: func() { authed = true },
		Capabilities:  func(c uint32) { caps = c },
	}}
	dh.HandleDrmDevice(wldrm.DrmDeviceEvent{Name: "/dev/dri/card0"})
	dh.HandleDrmFormat(wldrm.DrmFormatEvent{Format: uint32(wsa.FormatARGB8888)})
	dh.HandleDrmAuthenticated(wldrm.DrmAuthenticatedEvent{})
	dh.HandleDrmCapabilities(wldrm.DrmCapabilitiesEvent{Value: wldrm.DrmCapabilityPrime})

	assert.Equal(t, "/dev/dri/card0", device)
	assert.Equal(t, uint32(wsa.FormatARGB8888), format)
	assert.True(t, authed)
	assert.Equal(t, uint32(wldrm.DrmCapabilityPrime), caps)

	// A listener with nil fields ignores events.
	empty := &drmHandler{}
	empty.HandleDrmDevice(wldrm.DrmDeviceEvent{Name: "x"})
	empty.HandleDrmCapabilities(wldrm.DrmCapabilitiesEvent{Value: 1})

	released := false
	rh := &releaseHandler{fn: func() { released = true }}
	rh.HandleBufferRelease(wl.BufferReleaseEvent{})
	assert.True(t, released)
}

func TestDestroyUnregistersBufferAndCallback(t *testing.T) {
	d, c := connect(t)
	tr := New(nil)
	ctx := d.Context()

	buf := wl.NewBuffer(ctx)
	cb := wl.NewCallback(ctx)
	require.NoError(t, tr.AddFrameListener(cb, func() {}))

	tr.Destroy(buf)
	tr.Destroy(cb)
	assert.Nil(t, ctx.LookupProxy(buf.Id()))
	assert.Nil(t, ctx.LookupProxy(cb.Id()))

	req := c.next(t)
	assert.Equal(t, uint32(buf.Id()), req.id, "wl_buffer.destroy")
	assert.Equal(t, uint16(0), req.opcode)
}

func TestFrameDoneUnregistersCallback(t *testing.T) {
	d, c := connect(t)
	tr := New(nil)
	q, err := tr.CreateQueue(d)
	require.NoError(t, err)

	cb := wl.NewCallback(d.Context())
	done := false
	require.NoError(t, tr.AddFrameListener(cb, func() { done = true }))

	c.send(uint32(cb.Id()), 0, u32(16))
	_, err = tr.DispatchQueue(q)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Nil(t, d.Context().LookupProxy(cb.Id()))
}

func TestDestroyDetachesRegistryAndDrm(t *testing.T) {
	d, c := connect(t)
	tr := New(nil)
	ctx := d.Context()
	q, err := tr.CreateQueue(d)
	require.NoError(t, err)
	dw, err := tr.WrapProxy(d, q)
	require.NoError(t, err)

	registry, err := tr.GetRegistry(dw)
	require.NoError(t, err)
	r := registry.(*wl.Registry)
	globals := 0
	require.NoError(t, tr.AddGlobalListener(registry, func(wsa.GlobalEvent) { globals++ }))

	drm := wldrm.NewDrm(ctx)
	devices := 0
	require.NoError(t, tr.AddDrmListener(drm, wsa.DrmListener{Device: func(string) { devices++ }}))

	global := cat(u32(3), str(wldrm.Interface), u32(2))
	c.send(uint32(r.Id()), 0, global)
	_, err = tr.DispatchQueue(q)
	require.NoError(t, err)
	require.Equal(t, 1, globals)

	tr.Destroy(registry)
	tr.Destroy(drm)
	assert.NotNil(t, ctx.LookupProxy(r.Id()), "registry has no destructor")
	assert.NotNil(t, ctx.LookupProxy(drm.Id()), "wl_drm has no destructor")

	// The compositor keeps talking to both; dispatch must not fail.
	c.send(uint32(r.Id()), 0, global)
	c.send(uint32(drm.Id()), uint16(wldrm.DrmEventDevice), str("/dev/dri/card0"))
	for range 2 {
		_, err = tr.DispatchQueue(q)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, globals)
	assert.Zero(t, devices)
	assert.Empty(t, tr.detach)
}

func TestDispatchSkipsEventsForDestroyedProxies(t *testing.T) {
	d, c := connect(t)
	tr := New(nil)
	ctx := d.Context()
	q, err := tr.CreateQueue(d)
	require.NoError(t, err)

	stale := wl.NewCallback(ctx)
	require.NoError(t, tr.AddFrameListener(stale, func() { t.Error("done after destroy") }))
	tr.Destroy(stale)

	buf := wl.NewBuffer(ctx)
	released := false
	require.NoError(t, tr.AddBufferReleaseListener(buf, func() { released = true }))

	c.send(uint32(stale.Id()), 0, u32(0))
	c.send(uint32(buf.Id()), 0, nil)
	_, err = tr.DispatchQueue(q)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestRoundtripSkipsEventsForDestroyedProxies(t *testing.T) {
	d, c := connect(t)
	tr := New(nil)
	ctx := d.Context()
	q, err := tr.CreateQueue(d)
	require.NoError(t, err)

	gone := wl.NewBuffer(ctx)
	require.NoError(t, tr.AddBufferReleaseListener(gone, func() { t.Error("release after destroy") }))
	tr.Destroy(gone)
	require.Equal(t, uint32(gone.Id()), c.next(t).id)

	live := wl.NewBuffer(ctx)
	released := false
	require.NoError(t, tr.AddBufferReleaseListener(live, func() { released = true }))

	c.sendBeforeSync(uint32(gone.Id()), 0, nil)
	c.sendBeforeSync(uint32(live.Id()), 0, nil)
	require.NoError(t, tr.RoundtripQueue(q))
	assert.True(t, released)

	sync := c.next(t)
	require.Equal(t, uint32(1), sync.id)
	assert.Nil(t, ctx.LookupProxy(wl.ProxyId(binary.NativeEndian.Uint32(sync.payload))), "sync callback left registered")
}

func TestSendFailureUnregistersNewProxy(t *testing.T) {
	d, c := connect(t)
	tr := New(nil)
	ctx := d.Context()
	q, err := tr.CreateQueue(d)
	require.NoError(t, err)

	registry := wl.NewRegistry(ctx)
	surface := wl.NewSurface(ctx)
	drm := wldrm.NewDrm(ctx)
	sw, err := tr.WrapProxy(surface, q)
	require.NoError(t, err)
	dw, err := tr.WrapProxy(drm, q)
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, c.conn.Close())

	next := drm.Id() + 1
	_, err = tr.Frame(sw)
	require.Error(t, err)
	assert.Nil(t, ctx.LookupProxy(next), "frame callback")

	_, err = tr.CreatePrimeBuffer(dw, int(r.Fd()), 64, 64, uint32(wsa.FormatXRGB8888), 0, 256)
	require.Error(t, err)
	assert.Nil(t, ctx.LookupProxy(next+1), "prime buffer")

	_, err = tr.Bind(registry, 3, wldrm.Interface, wldrm.MinVersion)
	require.ErrorContains(t, err, "failed to bind wl_drm")
	assert.Nil(t, ctx.LookupProxy(next+2), "wl_drm")
}
