package core

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// TestFabricRemoteSubscribePublish exercises the remote fabric end to end:
// B subscribes to A under a prefix, A publishes a target under a matching
// path, and B's local subscriber is notified exactly once (I2).
func TestFabricRemoteSubscribePublish(t *testing.T) {
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
	trustA.Trust(nodeB, nodeA) // A trusts B to subscribe/publish to it
	trustB.Trust(nodeA, nodeB)

	fabricA := NewFabric(nodeA, nil, trustA, HashSHA256)
	fabricB := NewFabric(nodeB, nil, trustB, HashSHA256)
	fabricA.RegisterHandler(nodeB, hA)
	fabricB.RegisterHandler(nodeA, hB)

	notifyCount := 0
	var notifiedTarget Identifier
	fabricB.RegisterSubscriber(NewFuncSubscriber("files", func(locator Locator, target Identifier, mail *Mail) {
		notifyCount++
		notifiedTarget = target
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hA.Run(ctx)
	go hB.Run(ctx)

	if err := fabricB.Subscribe(nodeA, "files"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(200 * time.Millisecond) // let the subscribe record land

	target := H(HashSHA256, []byte("document one"))
	fabricA.Publish("files/doc1", []Identifier{target}, nil, ZeroIdentifier, true)

	deadline := time.After(3 * time.Second)
	for notifyCount == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for remote publish notification")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if notifyCount != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifyCount)
	}
	if notifiedTarget != target {
		t.Fatalf("unexpected target: %s", notifiedTarget)
	}
}

// TestFabricPublishCycleSuppression exercises SPEC_FULL.md's traversed-link
// resolution of §4.7's multi-hop publish-cycle open question: a ring of
// subscriptions (B subscribed to A, C subscribed to B, A subscribed to C)
// means a publish from A travels A -> B -> C, and C's naive "don't re-send
// to the link I heard this from" check (node == B) would not stop it from
// forwarding once more to A, since C never heard this message from A
// directly. The traversed-link list carried in the publish record must
// catch that A already saw this round and suppress the C -> A hop.
func TestFabricPublishCycleSuppression(t *testing.T) {
	connAB1, connAB2 := net.Pipe()
	connBC1, connBC2 := net.Pipe()
	connCA1, connCA2 := net.Pipe()
	defer connAB1.Close()
	defer connAB2.Close()
	defer connBC1.Close()
	defer connBC2.Close()
	defer connCA1.Close()
	defer connCA2.Close()

	hAofAB := NewHandler(connAB1, HashSHA256)
	hBofAB := NewHandler(connAB2, HashSHA256)
	hBofBC := NewHandler(connBC1, HashSHA256)
	hCofBC := NewHandler(connBC2, HashSHA256)
	hCofCA := NewHandler(connCA1, HashSHA256)
	hAofCA := NewHandler(connCA2, HashSHA256)

	nodeA, err := RandomIdentifier()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}
	nodeB, err := RandomIdentifier()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}
	nodeC, err := RandomIdentifier()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}

	trustA := NewTrustGate()
	trustB := NewTrustGate()
	trustC := NewTrustGate()
	trustA.Trust(nodeB, nodeA)
	trustA.Trust(nodeC, nodeA)
	trustB.Trust(nodeA, nodeB)
	trustB.Trust(nodeC, nodeB)
	trustC.Trust(nodeB, nodeC)
	trustC.Trust(nodeA, nodeC)

	fabricA := NewFabric(nodeA, nil, trustA, HashSHA256)
	fabricB := NewFabric(nodeB, nil, trustB, HashSHA256)
	fabricC := NewFabric(nodeC, nil, trustC, HashSHA256)

	fabricA.RegisterHandler(nodeB, hAofAB)
	fabricB.RegisterHandler(nodeA, hBofAB)
	fabricB.RegisterHandler(nodeC, hBofBC)
	fabricC.RegisterHandler(nodeB, hCofBC)
	fabricC.RegisterHandler(nodeA, hCofCA)
	fabricA.RegisterHandler(nodeC, hAofCA)

	var aNotifications, cNotifications int32
	fabricA.RegisterSubscriber(NewFuncSubscriber("files", func(Locator, Identifier, *Mail) {
		atomic.AddInt32(&aNotifications, 1)
	}))
	fabricC.RegisterSubscriber(NewFuncSubscriber("files", func(Locator, Identifier, *Mail) {
		atomic.AddInt32(&cNotifications, 1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, h := range []*Handler{hAofAB, hBofAB, hBofBC, hCofBC, hCofCA, hAofCA} {
		go h.Run(ctx)
	}

	if err := fabricB.Subscribe(nodeA, "files"); err != nil {
		t.Fatalf("B subscribe to A: %v", err)
	}
	if err := fabricC.Subscribe(nodeB, "files"); err != nil {
		t.Fatalf("C subscribe to B: %v", err)
	}
	if err := fabricA.Subscribe(nodeC, "files"); err != nil {
		t.Fatalf("A subscribe to C: %v", err)
	}
	time.Sleep(200 * time.Millisecond) // let all three subscribe records land

	target := H(HashSHA256, []byte("cycle document"))
	fabricA.Publish("files/doc", []Identifier{target}, nil, ZeroIdentifier, true)

	time.Sleep(500 * time.Millisecond) // give a suppressed cycle time to (wrongly) arrive

	if got := atomic.LoadInt32(&cNotifications); got != 1 {
		t.Fatalf("expected C to be notified exactly once via the B->C hop, got %d", got)
	}
	// A's own subscriber is notified once by the local Publish itself; any
	// further notification would mean the publish looped back through C.
	if got := atomic.LoadInt32(&aNotifications); got != 1 {
		t.Fatalf("expected A to be notified only by its own local publish, never by it looping back through C, got %d", got)
	}
}
