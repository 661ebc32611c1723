// Package wsatest provides an in-memory wsa.Transport for tests. It plays
// both the client library and a scripted compositor: it records every call,
// tracks which objects are still alive, fails chosen calls on demand and
// delivers registry, wl_drm, frame and release events on the queues a real
// connection would use.
package wsatest

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	wsa "github.com/tuxx/wayland-wsa-go"
)

// ErrInjected is returned by calls failed with FailOn and a nil error.
var ErrInjected = errors.New("wsatest: injected failure")

// Op names a Transport method.
type Op string

const (
	OpCreateQueue          Op = "CreateQueue"
	OpDestroyQueue         Op = "DestroyQueue"
	OpWrapProxy            Op = "WrapProxy"
	OpGetRegistry          Op = "GetRegistry"
	OpAddGlobalListener    Op = "AddGlobalListener"
	OpBind                 Op = "Bind"
	OpAddDrmListener       Op = "AddDrmListener"
	OpRoundtripQueue       Op = "RoundtripQueue"
	OpDispatchQueue        Op = "DispatchQueue"
	OpDispatchQueuePending Op = "DispatchQueuePending"
	OpCreatePrimeBuffer    Op = "CreatePrimeBuffer"
	OpAddReleaseListener   Op = "AddBufferReleaseListener"
	OpAttach               Op = "Attach"
	OpDamage               Op = "Damage"
	OpFrame                Op = "Frame"
	OpAddFrameListener     Op = "AddFrameListener"
	OpCommit               Op = "Commit"
	OpFlush                Op = "Flush"
	OpDestroy              Op = "Destroy"
)

// Kind classifies the objects the mock hands out.
type Kind string

const (
	KindWrapper  Kind = "wrapper"
	KindRegistry Kind = "wl_registry"
	KindDrm      Kind = "wl_drm"
	KindBuffer   Kind = "wl_buffer"
	KindCallback Kind = "wl_callback"
)

// Display stands in for the caller's wl_display.
type Display struct{ Name string }

// Surface stands in for the caller's wl_surface.
type Surface struct{ Name string }

// Queue is the mock event queue.
type Queue struct {
	id        int
	pending   []event
	deferred  []event
	destroyed bool
}

// Object is a mock protocol object. The exported fields describe how it
// was created.
type Object struct {
	ID      uint32
	Kind    Kind
	Version uint32

	// Set on buffers.
	FD            int
	Width, Height int32
	Format        uint32
	Offset        int32
	Stride        int32

	queue     *Queue
	target    any
	destroyed bool

	onGlobal  func(wsa.GlobalEvent)
	drm       *wsa.DrmListener
	onRelease func()
	onDone    func()

	// Surface wrappers.
	attached *Object
	held     *Object
	frames   []*Object

	// Buffers.
	busy bool
}

type eventKind int

const (
	evGlobal eventKind = iota
	evDevice
	evFormat
	evCapabilities
	evRelease
	evDone
)

type event struct {
	kind   eventKind
	target *Object
	global wsa.GlobalEvent
	str    string
	value  uint32
}

type failure struct {
	nth int
	err error
}

// Transport is a scripted wsa.Transport. Configure the exported fields
// before the first call.
type Transport struct {
	// DrmGlobal controls whether the registry announces wl_drm.
	DrmGlobal    bool
	DrmVersion   uint32
	Capabilities uint32
	Device       string
	Formats      []uint32

	// AutoFrameDone queues frame done for a surface's callbacks on commit.
	AutoFrameDone bool

	// AutoRelease queues a release for the previously held buffer when a
	// commit replaces it.
	AutoRelease bool

	mu       sync.Mutex
	cond     *sync.Cond
	nextID   uint32
	nextQ    int
	calls    map[Op]int
	failures map[Op]failure
	objects  []*Object
	queues   []*Queue
	closed   []int
	doubles  int
	broken   error
	damage   [][4]int32

	inDispatch atomic.Int32
	overlaps   atomic.Int32
}

// New returns a transport whose compositor announces wl_drm version 2 with
// the prime capability.
func New() *Transport {
	t := &Transport{
		DrmGlobal:    true,
		DrmVersion:   wsa.DrmVersion,
		Capabilities: wsa.CapabilityPrime,
		Device:       "/dev/dri/renderD128",
		Formats:      []uint32{uint32(wsa.FormatXRGB8888), uint32(wsa.FormatARGB8888)},
		nextID:       2,
		calls:        make(map[Op]int),
		failures:     make(map[Op]failure),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

var _ wsa.Transport = (*Transport)(nil)

// FailOn makes the nth call of op (counting from 1) fail with err. nth 0
// fails every call. A nil err fails with ErrInjected.
func (t *Transport) FailOn(op Op, nth int, err error) {
	if err == nil {
		err = ErrInjected
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[op] = failure{nth: nth, err: err}
}

// Calls returns how many times op was called.
func (t *Transport) Calls(op Op) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// CloseFD records fd as closed. Pass it to wsa.WithFDCloser.
func (t *Transport) CloseFD(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = append(t.closed, fd)
	return nil
}

// ClosedFDs returns the descriptors closed through CloseFD.
func (t *Transport) ClosedFDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.closed...)
}

// Leaks describes every object and queue that was created and not yet
// destroyed.
func (t *Transport) Leaks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, o := range t.objects {
		if !o.destroyed {
			out = append(out, fmt.Sprintf("%s#%d", o.Kind, o.ID))
		}
	}
	for _, q := range t.queues {
		if !q.destroyed {
			out = append(out, fmt.Sprintf("queue#%d", q.id))
		}
	}
	return out
}

// DoubleDestroys counts Destroy and DestroyQueue calls on objects that were
// already gone.
func (t *Transport) DoubleDestroys() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doubles
}

// Overlaps counts dispatches that started while another was running.
func (t *Transport) Overlaps() int {
	return int(t.overlaps.Load())
}

// Buffers returns every buffer created, in order.
func (t *Transport) Buffers() []*Object {
	return t.byKind(KindBuffer)
}

// Callbacks returns every frame callback created, in order.
func (t *Transport) Callbacks() []*Object {
	return t.byKind(KindCallback)
}

func (t *Transport) byKind(k Kind) []*Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Object
	for _, o := range t.objects {
		if o.Kind == k {
			out = append(out, o)
		}
	}
	return out
}

// Destroyed reports whether o has been destroyed.
func (t *Transport) Destroyed(o *Object) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return o.destroyed
}

// Damages returns the damage rectangles posted so far as x, y, w, h.
func (t *Transport) Damages() [][4]int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][4]int32(nil), t.damage...)
}

// CompleteFrames queues frame done for every outstanding frame callback.
func (t *Transport) CompleteFrames() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.objects {
		if o.Kind == KindCallback && !o.destroyed {
			o.queue.pending = append(o.queue.pending, event{kind: evDone, target: o})
		}
	}
	t.cond.Broadcast()
}

// ReleaseBuffers queues a release for every buffer the compositor holds.
func (t *Transport) ReleaseBuffers() {
	t.release(false)
}

// ReleaseBuffersOnSync is ReleaseBuffers, except the events are only sent
// once the client's next roundtrip reaches the compositor.
func (t *Transport) ReleaseBuffersOnSync() {
	t.release(true)
}

func (t *Transport) release(onSync bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.objects {
		if o.Kind != KindBuffer || !o.busy || o.destroyed {
			continue
		}
		o.busy = false
		ev := event{kind: evRelease, target: o}
		if onSync {
			o.queue.deferred = append(o.queue.deferred, ev)
		} else {
			o.queue.pending = append(o.queue.pending, ev)
		}
	}
	t.cond.Broadcast()
}

// Hangup breaks the connection: blocked and future dispatches fail with
// err.
func (t *Transport) Hangup(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broken = err
	t.cond.Broadcast()
}

// call counts op and returns the injected failure, if any. Must be called
// with mu held.
func (t *Transport) call(op Op) error {
	t.calls[op]++
	if f, ok := t.failures[op]; ok && (f.nth == 0 || f.nth == t.calls[op]) {
		return f.err
	}
	return nil
}

func (t *Transport) newObject(k Kind, q *Queue) *Object {
	o := &Object{ID: t.nextID, Kind: k, queue: q}
	t.nextID++
	t.objects = append(t.objects, o)
	return o
}

func object(o wsa.Object, want Kind) *Object {
	obj, ok := o.(*Object)
	if !ok || obj == nil {
		panic(fmt.Sprintf("wsatest: %T is not a mock object", o))
	}
	if want != "" && obj.Kind != want {
		panic(fmt.Sprintf("wsatest: got %s#%d, want %s", obj.Kind, obj.ID, want))
	}
	if obj.destroyed {
		panic(fmt.Sprintf("wsatest: use of destroyed %s#%d", obj.Kind, obj.ID))
	}
	return obj
}

// unwrap returns the object a wrapper stands for.
func unwrap(o *Object) any {
	if o.Kind == KindWrapper {
		return o.target
	}
	return o
}

func queue(q wsa.Queue) *Queue {
	mq, ok := q.(*Queue)
	if !ok || mq == nil {
		panic(fmt.Sprintf("wsatest: %T is not a mock queue", q))
	}
	return mq
}

func (t *Transport) CreateQueue(display any) (wsa.Queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpCreateQueue); err != nil {
		return nil, err
	}
	if _, ok := display.(*Display); !ok {
		return nil, fmt.Errorf("wsatest: display is %T", display)
	}
	t.nextQ++
	q := &Queue{id: t.nextQ}
	t.queues = append(t.queues, q)
	return q, nil
}

func (t *Transport) DestroyQueue(q wsa.Queue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.call(OpDestroyQueue)
	mq := queue(q)
	if mq.destroyed {
		t.doubles++
		return
	}
	mq.destroyed = true
}

func (t *Transport) WrapProxy(obj any, q wsa.Queue) (wsa.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpWrapProxy); err != nil {
		return nil, err
	}
	switch v := obj.(type) {
	case *Display, *Surface:
	case *Object:
		object(v, KindDrm)
	default:
		return nil, fmt.Errorf("wsatest: cannot wrap %T", obj)
	}
	w := t.newObject(KindWrapper, queue(q))
	w.target = obj
	return w, nil
}

func (t *Transport) GetRegistry(display wsa.Object) (wsa.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpGetRegistry); err != nil {
		return nil, err
	}
	dw := object(display, KindWrapper)
	if _, ok := dw.target.(*Display); !ok {
		return nil, fmt.Errorf("wsatest: registry from %T", dw.target)
	}
	return t.newObject(KindRegistry, dw.queue), nil
}

func (t *Transport) AddGlobalListener(registry wsa.Object, fn func(wsa.GlobalEvent)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpAddGlobalListener); err != nil {
		return err
	}
	r := object(registry, KindRegistry)
	r.onGlobal = fn

	globals := []wsa.GlobalEvent{
		{Name: 1, Interface: "wl_compositor", Version: 4},
		{Name: 2, Interface: "wl_shm", Version: 1},
	}
	if t.DrmGlobal {
		globals = append(globals, wsa.GlobalEvent{Name: 3, Interface: wsa.DrmInterface, Version: t.DrmVersion})
	}
	globals = append(globals, wsa.GlobalEvent{Name: 4, Interface: "wl_seat", Version: 7})
	for _, g := range globals {
		r.queue.deferred = append(r.queue.deferred, event{kind: evGlobal, target: r, global: g})
	}
	return nil
}

func (t *Transport) Bind(registry wsa.Object, name uint32, iface string, version uint32) (wsa.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpBind); err != nil {
		return nil, err
	}
	r := object(registry, KindRegistry)
	if iface != wsa.DrmInterface || name != 3 {
		return nil, fmt.Errorf("wsatest: no global %d %q", name, iface)
	}
	if version > t.DrmVersion {
		return nil, fmt.Errorf("wsatest: wl_drm version %d > %d", version, t.DrmVersion)
	}

	drm := t.newObject(KindDrm, r.queue)
	drm.Version = version
	// Sent in reply to the bind, so they arrive after the current
	// roundtrip's sync.
	q := r.queue
	q.deferred = append(q.deferred, event{kind: evDevice, target: drm, str: t.Device})
	for _, f := range t.Formats {
		q.deferred = append(q.deferred, event{kind: evFormat, target: drm, value: f})
	}
	q.deferred = append(q.deferred, event{kind: evCapabilities, target: drm, value: t.Capabilities})
	return drm, nil
}

func (t *Transport) AddDrmListener(drm wsa.Object, l wsa.DrmListener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpAddDrmListener); err != nil {
		return err
	}
	object(drm, KindDrm).drm = &l
	return nil
}

func (t *Transport) enter() {
	if t.inDispatch.Add(1) > 1 {
		t.overlaps.Add(1)
	}
	runtime.Gosched()
}

func (t *Transport) leave() {
	t.inDispatch.Add(-1)
}

func (t *Transport) RoundtripQueue(q wsa.Queue) error {
	t.enter()
	defer t.leave()

	t.mu.Lock()
	if err := t.call(OpRoundtripQueue); err != nil {
		t.mu.Unlock()
		return err
	}
	if t.broken != nil {
		t.mu.Unlock()
		return t.broken
	}
	mq := queue(q)
	mq.pending = append(mq.pending, mq.deferred...)
	mq.deferred = nil
	evs := mq.pending
	mq.pending = nil
	t.mu.Unlock()

	t.fire(evs)
	return nil
}

func (t *Transport) DispatchQueue(q wsa.Queue) (int, error) {
	t.enter()
	defer t.leave()

	t.mu.Lock()
	if err := t.call(OpDispatchQueue); err != nil {
		t.mu.Unlock()
		return -1, err
	}
	mq := queue(q)
	for len(mq.pending) == 0 && t.broken == nil {
		t.cond.Wait()
	}
	if t.broken != nil {
		t.mu.Unlock()
		return -1, t.broken
	}
	evs := mq.pending
	mq.pending = nil
	t.mu.Unlock()

	return t.fire(evs), nil
}

func (t *Transport) DispatchQueuePending(q wsa.Queue) (int, error) {
	t.enter()
	defer t.leave()

	t.mu.Lock()
	if err := t.call(OpDispatchQueuePending); err != nil {
		t.mu.Unlock()
		return -1, err
	}
	if t.broken != nil {
		t.mu.Unlock()
		return -1, t.broken
	}
	mq := queue(q)
	evs := mq.pending
	mq.pending = nil
	t.mu.Unlock()

	return t.fire(evs), nil
}

// fire delivers evs with mu released, as listeners may call back into the
// transport.
func (t *Transport) fire(evs []event) int {
	n := 0
	for _, ev := range evs {
		t.mu.Lock()
		o := ev.target
		if o.destroyed {
			t.mu.Unlock()
			continue
		}
		if ev.kind == evDone {
			// libwayland destroys the callback after done.
			o.destroyed = true
		}
		t.mu.Unlock()

		n++
		switch ev.kind {
		case evGlobal:
			if o.onGlobal != nil {
				o.onGlobal(ev.global)
			}
		case evDevice:
			if o.drm != nil && o.drm.Device != nil {
				o.drm.Device(ev.str)
			}
		case evFormat:
			if o.drm != nil && o.drm.Format != nil {
				o.drm.Format(ev.value)
			}
		case evCapabilities:
			if o.drm != nil && o.drm.Capabilities != nil {
				o.drm.Capabilities(ev.value)
			}
		case evRelease:
			if o.onRelease != nil {
				o.onRelease()
			}
		case evDone:
			if o.onDone != nil {
				o.onDone()
			}
		}
	}
	return n
}

func (t *Transport) CreatePrimeBuffer(drm wsa.Object, fd int, width, height int32, format uint32, offset, stride int32) (wsa.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpCreatePrimeBuffer); err != nil {
		return nil, err
	}
	w := object(drm, KindWrapper)
	if inner, ok := unwrap(w).(*Object); !ok || inner.Kind != KindDrm {
		return nil, fmt.Errorf("wsatest: prime buffer from %T", unwrap(w))
	}
	b := t.newObject(KindBuffer, w.queue)
	b.FD, b.Width, b.Height, b.Format, b.Offset, b.Stride = fd, width, height, format, offset, stride
	return b, nil
}

func (t *Transport) AddBufferReleaseListener(buffer wsa.Object, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpAddReleaseListener); err != nil {
		return err
	}
	object(buffer, KindBuffer).onRelease = fn
	return nil
}

func surface(o wsa.Object) *Object {
	s := object(o, KindWrapper)
	if _, ok := s.target.(*Surface); !ok {
		panic(fmt.Sprintf("wsatest: wrapper#%d is not a surface", s.ID))
	}
	return s
}

func (t *Transport) Attach(surf, buffer wsa.Object, x, y int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpAttach); err != nil {
		return err
	}
	surface(surf).attached = object(buffer, KindBuffer)
	return nil
}

func (t *Transport) Damage(surf wsa.Object, x, y, width, height int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpDamage); err != nil {
		return err
	}
	surface(surf)
	t.damage = append(t.damage, [4]int32{x, y, width, height})
	return nil
}

func (t *Transport) Frame(surf wsa.Object) (wsa.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpFrame); err != nil {
		return nil, err
	}
	s := surface(surf)
	cb := t.newObject(KindCallback, s.queue)
	s.frames = append(s.frames, cb)
	return cb, nil
}

func (t *Transport) AddFrameListener(callback wsa.Object, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpAddFrameListener); err != nil {
		return err
	}
	object(callback, KindCallback).onDone = fn
	return nil
}

func (t *Transport) Commit(surf wsa.Object) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpCommit); err != nil {
		return err
	}
	s := surface(surf)
	if b := s.attached; b != nil {
		if t.AutoRelease && s.held != nil && s.held != b && s.held.busy && !s.held.destroyed {
			s.held.busy = false
			s.held.queue.pending = append(s.held.queue.pending, event{kind: evRelease, target: s.held})
		}
		b.busy = true
		s.held = b
		s.attached = nil
	}
	if t.AutoFrameDone {
		for _, cb := range s.frames {
			if !cb.destroyed {
				cb.queue.pending = append(cb.queue.pending, event{kind: evDone, target: cb})
			}
		}
		s.frames = nil
	}
	t.cond.Broadcast()
	return nil
}

func (t *Transport) Flush(display any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(OpFlush); err != nil {
		return err
	}
	if _, ok := display.(*Display); !ok {
		return fmt.Errorf("wsatest: flush on %T", display)
	}
	return nil
}

func (t *Transport) Destroy(o wsa.Object) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.call(OpDestroy)
	obj, ok := o.(*Object)
	if !ok || obj == nil {
		panic(fmt.Sprintf("wsatest: destroy of %T", o))
	}
	if obj.destroyed {
		t.doubles++
		return
	}
	obj.destroyed = true
}
