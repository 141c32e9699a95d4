package core

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BlockStore {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{DataDir: dir}
	cfg.ApplyDefaults()
	bs, err := NewBlockStore(cfg)
	if err != nil {
		t.Fatalf("new block store: %v", err)
	}
	t.Cleanup(func() { _ = bs.Close() })
	return bs
}

// TestBlockStorePutGet covers P1 (digest soundness): the digest returned
// by Put is the hash of exactly the bytes GetBlock later returns.
func TestBlockStorePutGet(t *testing.T) {
	bs := newTestStore(t)
	data := []byte("hello teapotnet")
	digest, err := bs.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if want := H(bs.algo, data); digest != want {
		t.Fatalf("digest mismatch: got %s want %s", digest, want)
	}
	got, err := bs.GetBlock(digest)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
	if !bs.HasBlock(digest) {
		t.Fatalf("HasBlock false after Put")
	}
}

// TestBlockStorePushDecode covers P2: a block pushed as fountain
// combinations only becomes visible (HasBlock/GetBlock) once fully decoded
// and its hash verified.
func TestBlockStorePushDecode(t *testing.T) {
	bs := newTestStore(t)
	r := rand.New(rand.NewSource(2))
	data := make([]byte, 3000)
	r.Read(data)
	digest := H(bs.algo, data)

	src := NewFountainSource(data, DefaultFountainSymbolSize)

	if bs.HasBlock(digest) {
		t.Fatalf("block visible before any push")
	}

	decoded := false
	for i := 0; i < 100 && !decoded; i++ {
		var err error
		decoded, err = bs.Push(digest, src.Generate())
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if !decoded && bs.HasBlock(digest) {
			t.Fatalf("block visible before decode completed")
		}
	}
	if !decoded {
		t.Fatalf("did not decode within budget")
	}
	got, err := bs.GetBlock(digest)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("decoded bytes mismatch")
	}
}

func TestBlockStorePushWrongDigestRejected(t *testing.T) {
	bs := newTestStore(t)
	data := []byte("some content")
	src := NewFountainSource(data, DefaultFountainSymbolSize)
	wrongDigest, _ := RandomIdentifier()

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = bs.Push(wrongDigest, src.Generate())
		if lastErr == ErrDigestMismatch {
			break
		}
	}
	if lastErr != ErrDigestMismatch {
		t.Fatalf("want ErrDigestMismatch, got %v", lastErr)
	}
	if bs.HasBlock(wrongDigest) {
		t.Fatalf("mismatched block should not be committed")
	}
}

func TestBlockStoreWaitBlockTimesOut(t *testing.T) {
	bs := newTestStore(t)
	digest, _ := RandomIdentifier()
	ctx := context.Background()
	err := bs.WaitBlock(ctx, digest, 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestValueStoreRoundTrip(t *testing.T) {
	bs := newTestStore(t)
	vs := NewValueStore(bs)
	key, _ := RandomIdentifier()
	vs.StoreValue(key, []byte("peer-a"), ValueDistributed)
	vs.StoreValue(key, []byte("peer-b"), ValueDistributed)

	values := vs.RetrieveValue(key)
	if len(values) != 2 {
		t.Fatalf("want 2 values, got %d", len(values))
	}
}

func TestBlockStoreHints(t *testing.T) {
	bs := newTestStore(t)
	digest, _ := RandomIdentifier()
	peerA, _ := RandomIdentifier()
	peerB, _ := RandomIdentifier()
	bs.Hint(digest, peerA)
	bs.Hint(digest, peerB)
	hints := bs.Hints(digest)
	if len(hints) != 2 {
		t.Fatalf("want 2 hints, got %d", len(hints))
	}
}
