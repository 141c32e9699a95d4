package core

import (
	"fmt"
)

// ResourceSpecs carries the naming and encryption parameters for process
// (§4.3): name/type describe the resource, Secret non-empty requests
// per-block encryption. CacheBit is carried with the specs but Process does
// not read it; it has no effect on caching.
type ResourceSpecs struct {
	Name     string
	Type     string
	Secret   []byte
	CacheBit bool
}

// IndexRecord is the structured record serialized into one block (the
// "index block"), §3. The resource digest is H(serialized IndexRecord).
type IndexRecord struct {
	Name      string
	Type      string
	Size      uint64
	Salt      []byte // empty iff unencrypted
	Previous  []Identifier
	Blocks    []Identifier
	Signature []byte // optional
}

// Marshal renders the record in its canonical wire form.
func (r *IndexRecord) Marshal() []byte {
	w := newRecordWriter()
	w.writeString(r.Name)
	w.writeString(r.Type)
	w.writeUint64(r.Size)
	w.writeBytes(r.Salt)
	w.writeDigestList(r.Previous)
	w.writeDigestList(r.Blocks)
	w.writeBytes(r.Signature)
	return w.bytes()
}

// UnmarshalIndexRecord parses a record previously produced by Marshal.
func UnmarshalIndexRecord(data []byte) (*IndexRecord, error) {
	r := newRecordReader(data)
	rec := &IndexRecord{
		Name:      r.readString(),
		Type:      r.readString(),
		Size:      r.readUint64(),
		Salt:      r.readBytes(),
		Previous:  r.readDigestList(),
		Blocks:    r.readDigestList(),
		Signature: r.readBytes(),
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Encrypted reports whether the resource's content blocks are encrypted.
func (r *IndexRecord) Encrypted() bool { return len(r.Salt) > 0 }

// ResourceLayer implements process/fetch (§4.3) over a BlockStore.
type ResourceLayer struct {
	store *BlockStore
	algo  HashAlgorithm
}

// NewResourceLayer wraps an open BlockStore.
func NewResourceLayer(store *BlockStore, algo HashAlgorithm) *ResourceLayer {
	return &ResourceLayer{store: store, algo: algo}
}

// Process splits data into blocks of at most blockSize bytes, optionally
// encrypting each one under specs.Secret, writes an IndexRecord describing
// them, and returns the resulting index block's digest (§4.3's process).
func (rl *ResourceLayer) Process(data []byte, specs ResourceSpecs, blockSize int, previous []Identifier) (Identifier, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	fileDigest := H(rl.algo, data)

	var salt []byte
	var masterKey []byte
	if len(specs.Secret) > 0 {
		salt = DeriveSalt(rl.algo, fileDigest, specs.Type+":"+specs.Name)
		masterKey = specs.Secret
	}

	n := (len(data) + blockSize - 1) / blockSize
	if n == 0 {
		n = 1
	}
	blockDigests := make([]Identifier, 0, n)
	for i := 0; i < n; i++ {
		start := i * blockSize
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		if len(salt) > 0 {
			subkey, iv := BlockSubkeyAndIV(rl.algo, masterKey, salt, uint64(i))
			ct, err := AESCTRXOR(subkey[:], iv[:], chunk)
			if err != nil {
				return ZeroIdentifier, fmt.Errorf("encrypt block %d: %w", i, err)
			}
			chunk = ct
		}

		digest, err := rl.store.Put(chunk)
		if err != nil {
			return ZeroIdentifier, fmt.Errorf("store block %d: %w", i, err)
		}
		blockDigests = append(blockDigests, digest)
	}

	rec := &IndexRecord{
		Name:     specs.Name,
		Type:     specs.Type,
		Size:     uint64(len(data)),
		Salt:     salt,
		Previous: previous,
		Blocks:   blockDigests,
	}
	indexBytes := rec.Marshal()
	indexDigest, err := rl.store.Put(indexBytes)
	if err != nil {
		return ZeroIdentifier, fmt.Errorf("store index block: %w", err)
	}
	for _, b := range blockDigests {
		rl.store.Hint(b, indexDigest)
	}
	return indexDigest, nil
}

// Fetch loads and parses the index block at digest. When localOnly is true
// it fails with ErrNotFound instead of waiting for the block to arrive over
// the overlay (callers outside this package that want remote fetch should
// WaitBlock on the BlockStore first).
func (rl *ResourceLayer) Fetch(digest Identifier, localOnly bool) (*IndexRecord, error) {
	if localOnly && !rl.store.HasBlock(digest) {
		return nil, ErrNotFound
	}
	raw, err := rl.store.GetBlock(digest)
	if err != nil {
		return nil, err
	}
	rec, err := UnmarshalIndexRecord(raw)
	if err != nil {
		return nil, err
	}
	for _, b := range rec.Blocks {
		rl.store.Hint(b, digest)
	}
	return rec, nil
}
