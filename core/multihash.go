package core

import (
	"fmt"

	"github.com/multiformats/go-multihash"
)

// multihashCode maps our HashAlgorithm enum onto the multihash function
// codes used for on-disk file names and any interop surface that wants a
// self-describing digest (§3's block digest, §6's content addressing).
func multihashCode(algo HashAlgorithm) (uint64, error) {
	switch algo {
	case HashSHA256:
		return multihash.SHA2_256, nil
	case HashBLAKE3:
		return multihash.BLAKE3, nil
	default:
		return 0, fmt.Errorf("multihash code: unknown hash algorithm %d", algo)
	}
}

// EncodeMultihash wraps a raw 32-byte digest into a self-describing
// multihash, used as the canonical on-disk file name for a block so the
// store directory stays readable by any multihash-aware tool.
func EncodeMultihash(algo HashAlgorithm, digest Identifier) (multihash.Multihash, error) {
	code, err := multihashCode(algo)
	if err != nil {
		return nil, err
	}
	mh, err := multihash.Encode(digest[:], code)
	if err != nil {
		return nil, fmt.Errorf("encode multihash: %w", err)
	}
	return mh, nil
}

// DecodeMultihash recovers the raw digest from a previously encoded
// multihash, verifying its length matches our fixed Identifier size.
func DecodeMultihash(mh multihash.Multihash) (Identifier, error) {
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return ZeroIdentifier, fmt.Errorf("decode multihash: %w", err)
	}
	if len(decoded.Digest) != IdentifierSize {
		return ZeroIdentifier, fmt.Errorf("decode multihash: unexpected digest length %d", len(decoded.Digest))
	}
	return IdentifierFromBytes(decoded.Digest)
}

// MultihashB58 renders the block's content address as a base58 string, the
// form suitable for filenames and log lines.
func MultihashB58(algo HashAlgorithm, digest Identifier) (string, error) {
	mh, err := EncodeMultihash(algo, digest)
	if err != nil {
		return "", err
	}
	return mh.B58String(), nil
}
