package core

import (
	"bytes"
	"math/rand"
	"testing"
)

// TestFountainRoundTrip exercises P1/P2-adjacent behavior for the codec
// itself: a sink fed enough independent combinations from a source decodes
// back to the exact original bytes, and reports Decoded()==true once Push
// has reported the decode complete.
func TestFountainRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	data := make([]byte, 5000)
	r.Read(data)

	src := NewFountainSource(data, 256)
	sink := NewFountainSink(256)

	decoded := false
	for i := 0; i < 200 && !decoded; i++ {
		comb := src.Generate()
		var err error
		decoded, err = sink.Push(comb)
		if err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if !decoded {
		t.Fatalf("sink did not decode within budget, missing=%d", sink.Missing())
	}
	if !sink.Decoded() {
		t.Fatalf("Decoded() false after decodedNow=true")
	}
	out, err := sink.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(out), len(data))
	}
}

func TestFountainSinkNotDecodedBeforeComplete(t *testing.T) {
	sink := NewFountainSink(256)
	if sink.Decoded() {
		t.Fatalf("empty sink reports decoded")
	}
	if _, err := sink.Dump(); err != ErrNotDecoded {
		t.Fatalf("want ErrNotDecoded, got %v", err)
	}
}

func TestFountainEmptyBlock(t *testing.T) {
	src := NewFountainSource(nil, 256)
	sink := NewFountainSink(256)
	decoded, err := sink.Push(src.Generate())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !decoded {
		t.Fatalf("single-symbol empty block should decode on first drop")
	}
	out, err := sink.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("want empty output, got %d bytes", len(out))
	}
}
