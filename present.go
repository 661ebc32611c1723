package wsa

import (
	"fmt"
	"math"
)

// Region is a damage rectangle in surface coordinates.
type Region struct {
	X, Y, Width, Height int32
}

// Present attaches the image to the context's surface and commits it. It
// returns once the commit is flushed and does not wait for the compositor.
//
// With regions == nil the whole surface is damaged. Region damage is not
// implemented: a non-nil list posts no damage at all.
//
// The image is marked busy even if it already was; presenting an image that
// is still in use is the caller's mistake, not something Present guards.
func (a *Agent) Present(ctx ContextHandle, img ImageHandle, regions []Region) error {
	a.checkImage(img)

	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.initialized(ctx)
	im, ok := a.images.Get(int(img))
	contract(ok, "present: image %d not live", img)

	t := a.transport
	im.busy.Store(true)
	if err := t.Attach(c.surfaceWrapper, im.buffer, 0, 0); err != nil {
		return unknown("attach", err)
	}
	if regions == nil {
		if err := t.Damage(c.surfaceWrapper, 0, 0, math.MaxInt32, math.MaxInt32); err != nil {
			return unknown("damage", err)
		}
	} else {
		a.log.Debug("region damage unsupported, posting none", "context", ctx, "regions", len(regions))
	}

	if c.frame != nil {
		// Its done event still arrives and sets frameCompleted.
		a.log.Debug("abandoning pending frame callback", "context", ctx)
	}
	cb, err := t.Frame(c.surfaceWrapper)
	if err != nil {
		return unknown("frame", err)
	}
	c.frame = cb
	err = t.AddFrameListener(cb, func() {
		if c.frame == cb {
			c.frame = nil
		}
		c.frameCompleted.Store(true)
	})
	if err != nil {
		return unknown("add frame listener", err)
	}
	c.frameCompleted.Store(false)

	if err := t.Commit(c.surfaceWrapper); err != nil {
		return unknown("commit", err)
	}
	if err := t.Flush(c.display); err != nil {
		return unknown("flush", err)
	}
	return nil
}

// WaitForLastImagePresented blocks until the compositor reports the frame
// of the last Present done. It holds the agent lock while it waits, so
// every other call on the Agent blocks with it.
func (a *Agent) WaitForLastImagePresented(ctx ContextHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.initialized(ctx)
	for !c.frameCompleted.Load() {
		if _, err := a.transport.DispatchQueue(c.queue); err != nil {
			return unknown("dispatch frame events", err)
		}
	}
	return nil
}

// ImageAvailable reports whether the compositor released img. It returns
// nil when the image may be reused and an error wrapping ErrResourceBusy
// while the compositor still holds it. An image that is not busy is
// answered without taking the lock. img must be live.
func (a *Agent) ImageAvailable(ctx ContextHandle, img ImageHandle) error {
	a.checkContext(ctx)
	a.checkImage(img)

	im := a.published[img].Load()
	contract(im != nil, "image available: image %d not live", img)
	if !im.busy.Load() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.initialized(ctx)
	im, ok := a.images.Get(int(img))
	contract(ok, "image available: image %d not live", img)
	if !im.busy.Load() {
		return nil
	}

	// The release may only be sent once the compositor processes the sync
	// of the roundtrip, and may be queued behind its reply.
	t := a.transport
	if _, err := t.DispatchQueuePending(c.queue); err != nil {
		return unknown("dispatch pending", err)
	}
	if err := t.RoundtripQueue(c.queue); err != nil {
		return unknown("roundtrip", err)
	}
	if _, err := t.DispatchQueuePending(c.queue); err != nil {
		return unknown("dispatch pending", err)
	}

	if im.busy.Load() {
		return fmt.Errorf("image %d: %w", img, ErrResourceBusy)
	}
	return nil
}
