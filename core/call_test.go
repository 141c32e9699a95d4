package core

import (
	"context"
	"net"
	"testing"
	"time"
)

// TestCallManagerDirectCallPullsKnownBlock exercises the direct-call fast
// path end to end: B hints that A holds target, B registers a caller for
// it, and the resulting pull record causes A to push the block back over
// the handler, where B's OnBlockDecoded hook receives the decoded bytes.
func TestCallManagerDirectCallPullsKnownBlock(t *testing.T) {
	storeA := newTestStore(t)
	storeB := newTestStore(t)

	data := []byte("block content exercised by a direct call")
	target, err := storeA.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	hA := NewHandler(connA, HashSHA256)
	hB := NewHandler(connB, HashSHA256)

	nodeA, err := RandomIdentifier()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hA.Run(ctx)
	go hB.Run(ctx)

	overlayA := newTestNode(t)
	overlayB := newTestNode(t)
	valuesA := NewValueStore(storeA)
	valuesB := NewValueStore(storeB)
	cmA := NewCallManager(storeA, valuesA, overlayA, 0)
	cmB := NewCallManager(storeB, valuesB, overlayB, 0)
	cmA.RegisterHandler(nodeA, hA)
	cmB.RegisterHandler(nodeA, hB)

	storeB.Hint(target, nodeA)

	decoded := make(chan []byte, 1)
	hB.OnBlockDecoded = func(digest Identifier, blockData []byte) {
		if digest == target {
			decoded <- blockData
		}
	}

	cmB.RegisterCaller(target, 4)
	defer cmB.UnregisterCaller(target)

	select {
	case got := <-decoded:
		if string(got) != string(data) {
			t.Fatalf("decoded content mismatch: got %q want %q", got, data)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for direct call to deliver block")
	}
}

// TestCallManagerComposesWithFabric checks that a handler shared between a
// Fabric and a CallManager still delivers subscribe/publish records to the
// fabric once the call manager has wrapped its record dispatch, regardless
// of registration order.
func TestCallManagerComposesWithFabric(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	hA := NewHandler(connA, HashSHA256)
	hB := NewHandler(connB, HashSHA256)

	nodeA, err := RandomIdentifier()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}
	nodeB, err := RandomIdentifier()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}

	trustA := NewTrustGate()
	trustB := NewTrustGate()
	trustA.Trust(nodeB, nodeA)
	trustB.Trust(nodeA, nodeB)

	fabricA := NewFabric(nodeA, nil, trustA, HashSHA256)
	fabricB := NewFabric(nodeB, nil, trustB, HashSHA256)

	storeA := newTestStore(t)
	storeB := newTestStore(t)
	overlayA := newTestNode(t)
	overlayB := newTestNode(t)
	cmA := NewCallManager(storeA, NewValueStore(storeA), overlayA, 0)
	cmB := NewCallManager(storeB, NewValueStore(storeB), overlayB, 0)

	// Registration order deliberately mixed: fabric first on A, call
	// manager first on B, to prove composition doesn't depend on order.
	fabricA.RegisterHandler(nodeB, hA)
	cmA.RegisterHandler(nodeB, hA)
	cmB.RegisterHandler(nodeA, hB)
	fabricB.RegisterHandler(nodeA, hB)

	notified := make(chan Identifier, 1)
	fabricB.RegisterSubscriber(NewFuncSubscriber("files", func(locator Locator, target Identifier, mail *Mail) {
		notified <- target
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hA.Run(ctx)
	go hB.Run(ctx)

	if err := fabricB.Subscribe(nodeA, "files"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	target := H(HashSHA256, []byte("composed dispatch"))
	fabricA.Publish("files/doc", []Identifier{target}, nil, ZeroIdentifier, true)

	select {
	case got := <-notified:
		if got != target {
			t.Fatalf("unexpected target: %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for publish notification")
	}
}
