package core

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// TestHandlerFlowFIFO covers P6: records written in order are delivered to
// the peer's record callback in the same order.
func TestHandlerFlowFIFO(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	hA := NewHandler(connA, HashSHA256)
	hB := NewHandler(connB, HashSHA256)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	hB.OnRecord = func(recordType string, payload []byte) {
		mu.Lock()
		got = append(got, recordType)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hA.Run(ctx)
	go hB.Run(ctx)

	for _, rt := range []string{"one", "two", "three"} {
		if err := hA.Write(rt, map[string]string{"v": rt}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for flow records, got %v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// TestHandlerSideChannelBlockDelivery exercises a side-channel push/pull
// pair end to end.
func TestHandlerSideChannelBlockDelivery(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	hA := NewHandler(connA, HashSHA256)
	hB := NewHandler(connB, HashSHA256)

	digest := H(HashSHA256, []byte("block contents"))
	received := make(chan []byte, 1)
	hB.OnBlockDecoded = func(d Identifier, data []byte) {
		if d == digest {
			received <- data
		}
	}
	hB.RequestBlock(digest)
	hA.PushBlock(digest, []byte("block contents"), 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hA.Run(ctx)
	go hB.Run(ctx)

	select {
	case data := <-received:
		if string(data) != "block contents" {
			t.Fatalf("unexpected block data: %s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for side-channel delivery")
	}
}

// TestCongestionInvariant covers P7: 0 <= available_tokens <= tokens holds
// after every mutation, across both slow-start and AIMD regimes and a
// simulated congestion trigger.
func TestCongestionInvariant(t *testing.T) {
	cs := newCongestionState()
	checkInvariant := func(t *testing.T) {
		t.Helper()
		if cs.tokens < DefaultTokens {
			t.Fatalf("tokens %f below DefaultTokens", cs.tokens)
		}
		if cs.availableTokens < 0 || cs.availableTokens > cs.tokens {
			t.Fatalf("available_tokens %f out of [0, %f]", cs.availableTokens, cs.tokens)
		}
	}

	for i := 0; i < 50; i++ {
		cs.onAck(float64(i%5), i, i/2, uint32(i), uint32(i/2))
		checkInvariant(t)
	}

	// Force a congestion trigger: large backlog relative to source rank.
	cs.onAck(3, 1000, 1, 0, 0)
	checkInvariant(t)
	if !cs.congestion {
		t.Fatalf("expected congestion to trigger on large backlog")
	}

	cs.onAck(1, 0, 0, 0, 0)
	checkInvariant(t)
}
