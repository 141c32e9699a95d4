package core

import (
	"math/rand"
)

// DefaultFountainSymbolSize is the size, in bytes, of one GF(2) symbol. A
// block of up to B bytes is split into ceil(len/SymbolSize) symbols; the
// fountain layer operates purely on symbol indices ("components"), letting
// a single codec serve both the stream backend (large datagrams) and the
// UDP/DTLS backend (MTU 1452, §4.4).
const DefaultFountainSymbolSize = 1024

// FountainSource encodes a fixed byte slice (one block) as a stream of
// random GF(2)-linear combinations (§4.2). first_component only advances,
// through Drop; BlockStore.Generate calls Drop with the window start the
// caller passes in before generating from a fresh source.
type FountainSource struct {
	data           []byte
	symbolSize     int
	numSymbols     uint32
	firstComponent uint32
	rng            *rand.Rand
}

// NewFountainSource creates a source over data using the given symbol size
// (0 selects DefaultFountainSymbolSize).
func NewFountainSource(data []byte, symbolSize int) *FountainSource {
	if symbolSize <= 0 {
		symbolSize = DefaultFountainSymbolSize
	}
	n := (len(data) + symbolSize - 1) / symbolSize
	if n == 0 {
		n = 1 // an empty block still has one (empty) symbol to code
	}
	return &FountainSource{
		data:       data,
		symbolSize: symbolSize,
		numSymbols: uint32(n),
		rng:        rand.New(rand.NewSource(randSeed())),
	}
}

// symbol returns the zero-padded bytes of symbol i.
func (s *FountainSource) symbol(i uint32) []byte {
	start := int(i) * s.symbolSize
	end := start + s.symbolSize
	out := make([]byte, s.symbolSize)
	if start >= len(s.data) {
		return out
	}
	if end > len(s.data) {
		end = len(s.data)
	}
	copy(out, s.data[start:end])
	return out
}

// Drop advances the source's active window lower bound, pruning symbols the
// sink has already fully decoded and acknowledged.
func (s *FountainSource) Drop(firstComponent uint32) {
	if firstComponent > s.firstComponent {
		if firstComponent > s.numSymbols {
			firstComponent = s.numSymbols
		}
		s.firstComponent = firstComponent
	}
}

// Rank returns the number of symbols still active in the source's window,
// i.e. the backlog the congestion controller compares against (§4.6).
func (s *FountainSource) Rank() int {
	return int(s.numSymbols - s.firstComponent)
}

// LastComponent returns the last valid component index.
func (s *FountainSource) LastComponent() uint32 {
	return s.numSymbols - 1
}

// Generate produces one fresh random linear combination over the active
// window. Redundancy against loss is provided by repeatedly calling
// Generate, not by any property of a single combination.
func (s *FountainSource) Generate() *Combination {
	first := s.firstComponent
	last := s.numSymbols - 1
	window := last - first + 1

	coeffLen := int((window-1)/8) + 1
	coeffs := make([]byte, coeffLen)
	payload := make([]byte, s.symbolSize)
	included := 0
	for i := uint32(0); i < window; i++ {
		if s.rng.Intn(2) == 1 {
			coeffs[i/8] |= 1 << (i % 8)
			xorPayload(payload, s.symbol(first+i))
			included++
		}
	}
	if included == 0 {
		i := uint32(s.rng.Intn(int(window)))
		coeffs[i/8] |= 1 << (i % 8)
		xorPayload(payload, s.symbol(first+i))
	}
	return &Combination{
		FirstComponent: first,
		LastComponent:  last,
		Coefficients:   coeffs,
		Payload:        payload,
		TotalLength:    uint32(len(s.data)),
	}
}
