package wsa_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	wsa "github.com/tuxx/wayland-wsa-go"
	"github.com/tuxx/wayland-wsa-go/wsatest"
)

const (
	testTimeout = 5 * time.Second
	blockWindow = 50 * time.Millisecond
)

func newAgent(m *wsatest.Transport, opts ...wsa.Option) *wsa.Agent {
	return wsa.New(m, append([]wsa.Option{wsa.WithFDCloser(m.CloseFD)}, opts...)...)
}

func initContext(t *testing.T, a *wsa.Agent) wsa.ContextHandle {
	t.Helper()
	h, err := a.CreateContext()
	require.NoError(t, err)
	require.NoError(t, a.InitializeContext(h, &wsatest.Display{Name: "wayland-0"}, &wsatest.Surface{}))
	return h
}

func createImage(t *testing.T, a *wsa.Agent, ctx wsa.ContextHandle, fd int) wsa.ImageHandle {
	t.Helper()
	img, err := a.CreateImage(ctx, fd, 640, 480, wsa.FormatXRGB8888, 640*4)
	require.NoError(t, err)
	return img
}

// requireReturns reads one value from ch within timeout, or fails the test.
func requireReturns[T any](t *testing.T, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, what)
	}
	panic("unreachable")
}

// requireBlocked fails the test if ch delivers a value within d.
func requireBlocked[T any](t *testing.T, ch <-chan T, d time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("%s returned early with %v", what, v)
	case <-time.After(d):
	}
}

// requireClean checks that everything the agent created was destroyed
// exactly once.
func requireClean(t *testing.T, m *wsatest.Transport) {
	t.Helper()
	require.Empty(t, m.Leaks())
	require.Zero(t, m.DoubleDestroys())
}
