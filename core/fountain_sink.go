package core

import "sort"

// sinkRow is one row of the sink's echelon-form basis: a combination whose
// lowest set bit ("pivot") is unique across all rows.
type sinkRow struct {
	comb *Combination
}

// FountainSink decodes a stream of inbound combinations into the original
// block bytes via incremental Gaussian elimination over GF(2) (§4.2). It
// maintains partial echelon form: each Push either extends the basis with a
// new independent row or discards a dependent combination.
type FountainSink struct {
	symbolSize     int
	firstComponent uint32 // window lower bound, advanced by Drop
	nextSeen       uint32 // highest component index observed + 1
	totalLength    uint32
	haveLength     bool
	numSymbols     uint32
	rows           map[uint32]*sinkRow // keyed by pivot component
	solved         map[uint32][]byte   // fully-solved symbol values
}

// NewFountainSink creates an empty sink for a block of unknown length; the
// length becomes known from the first combination received.
func NewFountainSink(symbolSize int) *FountainSink {
	if symbolSize <= 0 {
		symbolSize = DefaultFountainSymbolSize
	}
	return &FountainSink{
		symbolSize: symbolSize,
		rows:       make(map[uint32]*sinkRow),
		solved:     make(map[uint32][]byte),
	}
}

// Drop prunes rows and solved symbols strictly below firstComponent, called
// once the corresponding source has acknowledged it can stop sending them.
func (s *FountainSink) Drop(firstComponent uint32) {
	if firstComponent <= s.firstComponent {
		return
	}
	s.firstComponent = firstComponent
	for pivot := range s.rows {
		if pivot < firstComponent {
			delete(s.rows, pivot)
		}
	}
	for idx := range s.solved {
		if idx < firstComponent {
			delete(s.solved, idx)
		}
	}
}

// Push folds one inbound combination into the echelon basis. It returns
// true if this push caused the sink to become fully decoded.
func (s *FountainSink) Push(in *Combination) (decodedNow bool, err error) {
	if !s.haveLength {
		s.totalLength = in.TotalLength
		s.numSymbols = in.windowSize()
		s.haveLength = true
	}
	if in.LastComponent+1 > s.nextSeen {
		s.nextSeen = in.LastComponent + 1
	}

	work := in.clone()

	// Reduce against existing rows, lowest pivot first, until work is the
	// zero vector (redundant) or reaches a pivot with no existing row.
	for {
		pivot, ok := work.lowestSetBit()
		if !ok {
			return false, nil // dependent combination, nothing new
		}
		row, exists := s.rows[pivot]
		if !exists {
			break
		}
		work.xor(row.comb)
	}

	pivot, _ := work.lowestSetBit()
	s.rows[pivot] = &sinkRow{comb: work}

	// Back-substitute: eliminate this new pivot from every other row that
	// references it, and solve any row that is reduced to a single bit.
	changed := true
	for changed {
		changed = false
		for p, r := range s.rows {
			if p == pivot {
				continue
			}
			if r.comb.bit(pivot) {
				r.comb.xor(work)
				changed = true
			}
		}
		if lo, ok := work.lowestSetBit(); ok && lo == pivot {
			if isSinglePivot(work, pivot) {
				if _, already := s.solved[pivot]; !already {
					s.solved[pivot] = append([]byte(nil), work.Payload...)
				}
			}
		}
	}

	// A second sweep catches rows that became single-bit only after the
	// first sweep solved a different pivot.
	for p, r := range s.rows {
		if _, already := s.solved[p]; already {
			continue
		}
		if isSinglePivot(r.comb, p) {
			s.solved[p] = append([]byte(nil), r.comb.Payload...)
		}
	}

	return s.Decoded(), nil
}

func isSinglePivot(c *Combination, pivot uint32) bool {
	count := 0
	for i := c.FirstComponent; i <= c.LastComponent; i++ {
		if c.bit(i) {
			count++
			if count > 1 {
				return false
			}
		}
	}
	return count == 1
}

// Rank returns the number of linearly independent rows the sink currently
// holds.
func (s *FountainSink) Rank() int { return len(s.rows) }

// Missing returns the number of additional independent symbols still
// required to reach full rank, or -1 if the sink has not yet learned its
// window size (no combination received yet).
func (s *FountainSink) Missing() int {
	if !s.haveLength {
		return -1
	}
	need := int(s.numSymbols) - len(s.solved)
	if need < 0 {
		need = 0
	}
	return need
}

// NextSeen returns the highest component index observed plus one.
func (s *FountainSink) NextSeen() uint32 { return s.nextSeen }

// NextDecoded returns the first index, starting at firstComponent, not yet
// solved — the high-water mark of contiguous decode progress referenced by
// §3's invariant.
func (s *FountainSink) NextDecoded() uint32 {
	i := s.firstComponent
	for {
		if _, ok := s.solved[i]; !ok {
			return i
		}
		i++
		if s.haveLength && i >= s.numSymbols {
			return i
		}
	}
}

// Decoded reports whether every source symbol has a solved value.
func (s *FountainSink) Decoded() bool {
	return s.haveLength && uint32(len(s.solved)) >= s.numSymbols
}

// Dump reconstructs the original byte slice, truncated to the block's exact
// logical length, once Decoded reports true.
func (s *FountainSink) Dump() ([]byte, error) {
	if !s.Decoded() {
		return nil, ErrNotDecoded
	}
	indices := make([]uint32, 0, len(s.solved))
	for i := range s.solved {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	out := make([]byte, 0, int(s.numSymbols)*s.symbolSize)
	for _, i := range indices {
		out = append(out, s.solved[i]...)
	}
	if uint32(len(out)) > s.totalLength {
		out = out[:s.totalLength]
	}
	return out, nil
}
