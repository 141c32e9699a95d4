package core

import (
	"context"
	"testing"
	"time"
)

func newTestTunneler(t *testing.T, overlay *OverlayNode) *Tunneler {
	t.Helper()
	cert, _, err := GenerateNodeCertificate()
	if err != nil {
		t.Fatalf("generate node certificate: %v", err)
	}
	return NewTunneler(overlay, cert, 2*time.Second, 100*time.Millisecond)
}

func TestTunnelHandshakeAndRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(a, b)

	ta := newTestTunneler(t, a)
	tb := newTestTunneler(t, b)

	established := make(chan *Tunnel, 1)
	tb.OnEstablished = func(tun *Tunnel) { established <- tun }

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	clientTun, err := ta.Open(ctx, b.Self())
	if err != nil {
		t.Fatalf("open tunnel: %v", err)
	}
	defer clientTun.Close()

	var serverTun *Tunnel
	select {
	case serverTun = <-established:
	case <-time.After(3 * time.Second):
		t.Fatalf("responder side never established")
	}
	defer serverTun.Close()

	payload := []byte("hello over tunnel")
	if _, err := clientTun.Conn().Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(payload))
	if err := serverTun.Conn().SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	n, err := serverTun.Conn().Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("unexpected payload: %s", buf[:n])
	}
}

// TestTunnelHandshakeTimeout checks that Open gives up after
// handshakeTimeout when the destination never replies.
func TestTunnelHandshakeTimeout(t *testing.T) {
	a := newTestNode(t)
	unreachable, err := RandomIdentifier()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}

	cert, _, err := GenerateNodeCertificate()
	if err != nil {
		t.Fatalf("generate node certificate: %v", err)
	}
	ta := NewTunneler(a, cert, 100*time.Millisecond, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ta.Open(ctx, unreachable); err == nil {
		t.Fatalf("expected handshake timeout error")
	}

	ta.mu.Lock()
	_, pending := ta.pending[unreachable]
	ta.mu.Unlock()
	if pending {
		t.Fatalf("pending entry should be cleared after failed handshake")
	}
}

// TestTunnelIdleSweep checks idle tunnels are torn down after idleTimeout.
func TestTunnelIdleSweep(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(a, b)

	ta := newTestTunneler(t, a)
	tb := newTestTunneler(t, b)
	established := make(chan *Tunnel, 1)
	tb.OnEstablished = func(tun *Tunnel) { established <- tun }

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	clientTun, err := ta.Open(ctx, b.Self())
	if err != nil {
		t.Fatalf("open tunnel: %v", err)
	}

	select {
	case <-established:
	case <-time.After(3 * time.Second):
		t.Fatalf("responder side never established")
	}

	time.Sleep(200 * time.Millisecond)
	ta.idleSweep()
	tb.idleSweep()

	ta.mu.Lock()
	_, stillThere := ta.tunnels[clientTun.ID]
	ta.mu.Unlock()
	if stillThere {
		t.Fatalf("idle tunnel should have been swept")
	}
}
