package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		DataDir:     dir,
		KeysFile:    filepath.Join(dir, "keys"),
		StoreFile:   filepath.Join(dir, "store.db"),
		IdleTimeout: 150 * time.Millisecond,
	}
	rt, err := NewRuntime(cfg, nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// TestRuntimeWiresTunnelToHandlers covers the glue in
// handleTunnelEstablished: once a tunnel comes up between two runtimes'
// user identities, a Handler is built over it and registered with both the
// fabric and the call manager, so a subscribe/publish round trip works
// without any further setup.
func TestRuntimeWiresTunnelToHandlers(t *testing.T) {
	rtA := newTestRuntime(t)
	rtB := newTestRuntime(t)
	connect(rtA.Overlay(), rtB.Overlay())

	if rtA.User().ID != rtA.Overlay().Self() {
		t.Fatalf("runtime's user id must double as its overlay node id")
	}

	rtA.Trust().Trust(rtB.User().ID, rtA.User().ID)
	rtB.Trust().Trust(rtA.User().ID, rtB.User().ID)

	notified := make(chan Identifier, 1)
	rtB.Fabric().RegisterSubscriber(NewFuncSubscriber("files", func(locator Locator, target Identifier, mail *Mail) {
		notified <- target
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := rtA.Tunneler().Open(ctx, rtB.Overlay().Self()); err != nil {
		t.Fatalf("open tunnel: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if rtB.Fabric().HandlerCount() > 0 && rtA.Fabric().HandlerCount() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for tunnel-established handler registration")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if err := rtB.Fabric().Subscribe(rtA.User().ID, "files"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	target := H(HashSHA256, []byte("document one"))
	rtA.Fabric().Publish("files/doc1", []Identifier{target}, nil, ZeroIdentifier, true)

	select {
	case got := <-notified:
		if got != target {
			t.Fatalf("unexpected target: %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for remote publish notification")
	}
}

// TestRuntimeTunnelClosedUnregistersHandlers covers handleTunnelClosed:
// tearing a tunnel down removes its handler from both the fabric and the
// call manager.
func TestRuntimeTunnelClosedUnregistersHandlers(t *testing.T) {
	rtA := newTestRuntime(t)
	rtB := newTestRuntime(t)
	connect(rtA.Overlay(), rtB.Overlay())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tun, err := rtA.Tunneler().Open(ctx, rtB.Overlay().Self())
	if err != nil {
		t.Fatalf("open tunnel: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for rtA.Fabric().HandlerCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for handler registration")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if err := tun.Close(); err != nil {
		t.Fatalf("close tunnel: %v", err)
	}
	time.Sleep(200 * time.Millisecond) // past idleTimeout
	rtA.Tunneler().idleSweep()

	deadline = time.After(3 * time.Second)
	for rtA.Fabric().HandlerCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for handler unregistration")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
