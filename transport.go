package wsa

// Object is an opaque protocol object handed out by a Transport. Objects
// must be comparable; the agent matches frame callbacks by equality.
type Object any

// Queue is an opaque event queue handed out by a Transport.
type Queue any

// GlobalEvent is a registry global announcement.
type GlobalEvent struct {
	Name      uint32
	Interface string
	Version   uint32
}

// DrmListener receives wl_drm events. Nil fields are ignored.
type DrmListener struct {
	Device        func(name string)
	Format        func(format uint32)
	Authenticated func()
	Capabilities  func(caps uint32)
}

// Transport is the slice of a Wayland client library the agent drives.
//
// Objects created from a wrapper inherit the wrapper's queue, and their
// events are only delivered by dispatching that queue. Listeners run on the
// goroutine that dispatches and must not call back into the Agent.
//
// Implementations are not required to be safe for concurrent use; the Agent
// serializes every call.
type Transport interface {
	// CreateQueue creates a private event queue on the caller's display.
	CreateQueue(display any) (Queue, error)
	DestroyQueue(q Queue)

	// WrapProxy returns a wrapper of obj whose requests, and the objects
	// they create, deliver events to q. obj may be the caller's display or
	// surface, or an object created by this transport.
	WrapProxy(obj any, q Queue) (Object, error)

	GetRegistry(display Object) (Object, error)
	AddGlobalListener(registry Object, fn func(GlobalEvent)) error
	Bind(registry Object, name uint32, iface string, version uint32) (Object, error)
	AddDrmListener(drm Object, l DrmListener) error

	// RoundtripQueue flushes pending requests and blocks until the
	// compositor has processed them, dispatching q meanwhile.
	RoundtripQueue(q Queue) error
	// DispatchQueue dispatches q, blocking until at least one event arrives.
	DispatchQueue(q Queue) (int, error)
	// DispatchQueuePending dispatches events already read for q without
	// blocking.
	DispatchQueuePending(q Queue) (int, error)

	// CreatePrimeBuffer imports a dma-buf. The transport does not take
	// ownership of fd.
	CreatePrimeBuffer(drm Object, fd int, width, height int32, format uint32, offset, stride int32) (Object, error)
	AddBufferReleaseListener(buffer Object, fn func()) error

	Attach(surface, buffer Object, x, y int32) error
	Damage(surface Object, x, y, width, height int32) error
	// Frame requests a frame callback. The transport destroys the callback
	// itself once its done event has been delivered.
	Frame(surface Object) (Object, error)
	AddFrameListener(callback Object, fn func()) error
	Commit(surface Object) error
	Flush(display any) error

	// Destroy releases obj. Buffers are destroyed on the compositor side as
	// well; wrappers and registries are released locally.
	Destroy(obj Object)
}
