package core

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ResourceReaderPrefetch is K from §4.3: how many upcoming blocks the
// Reader keeps warm ahead of the read cursor.
const ResourceReaderPrefetch = 10

// ResourceReader is a sequential, seekable stream over a resource's decoded
// (and, if encrypted, decrypted) content bytes (§4.3's Reader).
type ResourceReader struct {
	store     *BlockStore
	algo      HashAlgorithm
	rec       *IndexRecord
	blockSize int
	masterKey []byte

	mu        sync.Mutex
	pos       int64
	blockData map[int][]byte
	pending   map[int]chan struct{}
}

// NewResourceReader opens a reader over rec's content. masterKey must match
// the key Process was called with when rec.Encrypted().
func NewResourceReader(store *BlockStore, algo HashAlgorithm, rec *IndexRecord, blockSize int, masterKey []byte) *ResourceReader {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &ResourceReader{
		store:     store,
		algo:      algo,
		rec:       rec,
		blockSize: blockSize,
		masterKey: masterKey,
		blockData: make(map[int][]byte),
		pending:   make(map[int]chan struct{}),
	}
}

func (r *ResourceReader) blockIndexAt(pos int64) (index int, offset int) {
	return int(pos / int64(r.blockSize)), int(pos % int64(r.blockSize))
}

// decryptBlock reverses Process's per-block AES-CTR encryption for block i.
func (r *ResourceReader) decryptBlock(i int, raw []byte) ([]byte, error) {
	if !r.rec.Encrypted() {
		return raw, nil
	}
	subkey, iv := BlockSubkeyAndIV(r.algo, r.masterKey, r.rec.Salt, uint64(i))
	return AESCTRXOR(subkey[:], iv[:], raw)
}

// fetchBlock returns the decrypted bytes of content block i, blocking on
// the store until available.
func (r *ResourceReader) fetchBlock(ctx context.Context, i int) ([]byte, error) {
	if i < 0 || i >= len(r.rec.Blocks) {
		return nil, io.EOF
	}
	digest := r.rec.Blocks[i]
	if err := r.store.WaitBlock(ctx, digest, 0); err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", i, err)
	}
	raw, err := r.store.GetBlock(digest)
	if err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", i, err)
	}
	return r.decryptBlock(i, raw)
}

// prefetch kicks off background fetches for blocks [start, start+K).
func (r *ResourceReader) prefetch(ctx context.Context, start int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := start + ResourceReaderPrefetch
	if end > len(r.rec.Blocks) {
		end = len(r.rec.Blocks)
	}
	for i := start; i < end; i++ {
		if _, have := r.blockData[i]; have {
			continue
		}
		if _, inFlight := r.pending[i]; inFlight {
			continue
		}
		done := make(chan struct{})
		r.pending[i] = done
		go func(idx int) {
			data, err := r.fetchBlock(ctx, idx)
			r.mu.Lock()
			if err == nil {
				r.blockData[idx] = data
			}
			delete(r.pending, idx)
			close(done)
			r.mu.Unlock()
		}(i)
	}
}

func (r *ResourceReader) waitForBlock(ctx context.Context, i int) ([]byte, error) {
	r.mu.Lock()
	if data, ok := r.blockData[i]; ok {
		r.mu.Unlock()
		return data, nil
	}
	done, inFlight := r.pending[i]
	r.mu.Unlock()
	if !inFlight {
		r.prefetch(ctx, i)
		r.mu.Lock()
		done = r.pending[i]
		r.mu.Unlock()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	data, ok := r.blockData[i]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Read follows io.Reader's contract with an added context argument (so it
// does not itself satisfy io.Reader), decoding and decrypting blocks on demand and
// prefetching up to ResourceReaderPrefetch blocks ahead of the cursor.
func (r *ResourceReader) Read(ctx context.Context, p []byte) (int, error) {
	r.mu.Lock()
	pos := r.pos
	size := int64(r.rec.Size)
	r.mu.Unlock()
	if pos >= size {
		return 0, io.EOF
	}
	index, offset := r.blockIndexAt(pos)
	r.prefetch(ctx, index)
	data, err := r.waitForBlock(ctx, index)
	if err != nil {
		return 0, err
	}
	if offset >= len(data) {
		return 0, io.EOF
	}
	n := copy(p, data[offset:])
	remaining := size - pos
	if int64(n) > remaining {
		n = int(remaining)
	}
	r.mu.Lock()
	r.pos += int64(n)
	r.mu.Unlock()
	return n, nil
}

// Seek repositions the read cursor. Only io.SeekStart/io.SeekCurrent are
// meaningful for a resource of known size; io.SeekEnd is supported too
// since Size is always known upfront.
func (r *ResourceReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = r.pos + offset
	case io.SeekEnd:
		newPos = int64(r.rec.Size) + offset
	default:
		return 0, fmt.Errorf("resource reader: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("resource reader: negative position")
	}
	r.pos = newPos
	return newPos, nil
}
