package core

import (
	"crypto/rand"
	"encoding/binary"
)

// randSeed returns a CSPRNG-derived seed for non-cryptographic math/rand
// uses: fountain coefficient selection, path-folding's coin flip (§4.4), and
// jittered timer scheduling. None of these need a CSPRNG themselves, but
// seeding math/rand from one avoids correlated sequences across goroutines
// started at the same instant.
func randSeed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}
