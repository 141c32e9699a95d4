package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// pendingBlock tracks an in-flight decode: the sink accumulating
// combinations and the waiters blocked in WaitBlock.
type pendingBlock struct {
	mu      sync.Mutex
	sink    *FountainSink
	waiters []chan struct{}
}

func (p *pendingBlock) notify() {
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
}

// BlockStore is the content-addressed block layer (§3 "Block", §4.1). It
// holds fully-decoded blocks on disk (named by their content address),
// keeps partially-decoded blocks in memory as fountain sinks, and serves
// GF(2) combinations to both local readers and overlay peers. Grounded on
// core_keep/storage.go's directory-backed block store, generalized from a
// single SHA-256 digest to either configured HashAlgorithm and from whole
// reads to incremental fountain decode.
type BlockStore struct {
	cfg  Config
	algo HashAlgorithm
	dir  string
	db   *storeDB
	cache *blockCache

	mu      sync.Mutex
	pending map[Identifier]*pendingBlock
	hints   map[Identifier]map[Identifier]struct{} // digest -> set of peer ids known to have it

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBlockStore opens (creating if necessary) a block store rooted at
// cfg.CacheDir, using cfg.StoreFile for the relational index.
func NewBlockStore(cfg Config) (*BlockStore, error) {
	cfg.ApplyDefaults()
	algo := cfg.HashAlgorithm()
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("block store dir: %w", err)
	}
	db, err := openStoreDB(cfg.StoreFile)
	if err != nil {
		return nil, err
	}
	maxEntries := int(cfg.CacheMaxSize / int64(DefaultFountainSymbolSize*64))
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := newBlockCache(maxEntries, cfg.CacheMaxSize, cfg.CacheMaxFileSize)
	if err != nil {
		return nil, err
	}
	bs := &BlockStore{
		cfg:     cfg,
		algo:    algo,
		dir:     cfg.CacheDir,
		db:      db,
		cache:   cache,
		pending: make(map[Identifier]*pendingBlock),
		hints:   make(map[Identifier]map[Identifier]struct{}),
		stopCh:  make(chan struct{}),
	}
	bs.wg.Add(1)
	go bs.purgeLoop()
	return bs, nil
}

// blockPath names digest's on-disk file as a base58 multihash rather than
// raw hex, so the cache directory is self-describing (the filename itself
// carries the hash function code, §3/§6) instead of requiring the reader to
// already know which algorithm produced it.
func (bs *BlockStore) blockPath(digest Identifier) string {
	name, err := MultihashB58(bs.algo, digest)
	if err != nil {
		// Unreachable for any HashAlgorithm NewBlockStore accepts (only
		// SHA-256/BLAKE3 are configurable, and multihashCode covers both);
		// fall back to raw hex rather than fail block storage outright.
		name = digest.String()
	}
	return filepath.Join(bs.dir, name)
}

// HasBlock reports whether digest is fully decoded and available.
func (bs *BlockStore) HasBlock(digest Identifier) bool {
	if bs.db.hasBlock(digest) {
		return true
	}
	if _, err := os.Stat(bs.blockPath(digest)); err == nil {
		return true
	}
	return false
}

// Missing returns the number of additional independent combinations needed
// to fully decode digest, or -1 if nothing is known about it yet (neither
// stored nor in progress).
func (bs *BlockStore) Missing(digest Identifier) int {
	if bs.HasBlock(digest) {
		return 0
	}
	bs.mu.Lock()
	p, ok := bs.pending[digest]
	bs.mu.Unlock()
	if !ok {
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink.Missing()
}

// Push folds one inbound combination for digest into the store, writing the
// decoded block to disk the moment decode completes (§8 P2: nobody observes
// decoded content until its hash has been checked, enforced here by hashing
// the dumped bytes before any GetBlock/WaitBlock can return them).
func (bs *BlockStore) Push(digest Identifier, comb *Combination) (decoded bool, err error) {
	if bs.HasBlock(digest) {
		return true, nil
	}
	bs.mu.Lock()
	p, ok := bs.pending[digest]
	if !ok {
		p = &pendingBlock{sink: NewFountainSink(DefaultFountainSymbolSize)}
		bs.pending[digest] = p
	}
	bs.mu.Unlock()

	p.mu.Lock()
	decodedNow, perr := p.sink.Push(comb)
	if perr != nil {
		p.mu.Unlock()
		return false, perr
	}
	if !decodedNow {
		p.mu.Unlock()
		return false, nil
	}
	data, derr := p.sink.Dump()
	p.mu.Unlock()
	if derr != nil {
		return false, derr
	}

	if H(bs.algo, data) != digest {
		return false, ErrDigestMismatch
	}
	if err := bs.commit(digest, data); err != nil {
		return false, err
	}

	bs.mu.Lock()
	delete(bs.pending, digest)
	bs.mu.Unlock()
	p.mu.Lock()
	p.notify()
	p.mu.Unlock()
	return true, nil
}

// commit writes a verified block's bytes to disk and records it in the
// index and cache, atomically from the perspective of any reader (rename
// into place only after the full write completes).
func (bs *BlockStore) commit(digest Identifier, data []byte) error {
	path := bs.blockPath(digest)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := bs.db.putBlock(digest, filepath.Base(path), 0, info.Size()); err != nil {
		return err
	}
	bs.cache.put(digest, data)
	return nil
}

// Put stores data directly, used by local producers that already hold the
// full block (e.g. publishing a local file), bypassing the fountain sink.
func (bs *BlockStore) Put(data []byte) (Identifier, error) {
	digest := H(bs.algo, data)
	if bs.HasBlock(digest) {
		return digest, nil
	}
	if err := bs.commit(digest, data); err != nil {
		return digest, err
	}
	bs.mu.Lock()
	p, ok := bs.pending[digest]
	delete(bs.pending, digest)
	bs.mu.Unlock()
	if ok {
		p.mu.Lock()
		p.notify()
		p.mu.Unlock()
	}
	return digest, nil
}

// GetBlock returns the fully-decoded bytes for digest, or ErrNotFound if it
// is not stored (including while its decode is still in progress).
func (bs *BlockStore) GetBlock(digest Identifier) ([]byte, error) {
	if data, ok := bs.cache.get(digest); ok {
		return data, nil
	}
	name, offset, size, ok := bs.db.getBlock(digest)
	if !ok {
		if _, err := os.Stat(bs.blockPath(digest)); err != nil {
			return nil, ErrNotFound
		}
		data, err := os.ReadFile(bs.blockPath(digest))
		if err != nil {
			return nil, err
		}
		bs.cache.put(digest, data)
		return data, nil
	}
	f, err := os.Open(filepath.Join(bs.dir, name))
	if err != nil {
		return nil, fmt.Errorf("open block file: %w", err)
	}
	defer f.Close()
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read block: %w", err)
	}
	bs.cache.put(digest, buf)
	return buf, nil
}

// Reader opens a streaming reader over digest's bytes.
func (bs *BlockStore) Reader(digest Identifier) (io.ReadCloser, error) {
	data, err := bs.GetBlock(digest)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// WaitBlock blocks until digest becomes available, ctx is done, or timeout
// elapses, returning ErrTimeout in the latter case. timeout <= 0 means wait
// with no deadline of its own, bounded only by ctx.
func (bs *BlockStore) WaitBlock(ctx context.Context, digest Identifier, timeout time.Duration) error {
	if bs.HasBlock(digest) {
		return nil
	}
	bs.mu.Lock()
	p, ok := bs.pending[digest]
	if !ok {
		p = &pendingBlock{sink: NewFountainSink(DefaultFountainSymbolSize)}
		bs.pending[digest] = p
	}
	ch := make(chan struct{})
	p.mu.Lock()
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()
	bs.mu.Unlock()

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-ch:
		if bs.HasBlock(digest) {
			return nil
		}
		return ErrNotFound
	case <-ctx.Done():
		return ctx.Err()
	case <-timerC:
		return ErrTimeout
	}
}

// Hint records that peer is known to hold digest, feeding §4.9's
// register_caller/register_listener matching without requiring a direct
// query for every request.
func (bs *BlockStore) Hint(digest, peer Identifier) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	set, ok := bs.hints[digest]
	if !ok {
		set = make(map[Identifier]struct{})
		bs.hints[digest] = set
	}
	set[peer] = struct{}{}
}

// Hints returns the peers currently known to hold digest.
func (bs *BlockStore) Hints(digest Identifier) []Identifier {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	set := bs.hints[digest]
	out := make([]Identifier, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Generate produces the next outbound combination for digest, to be sent to
// a peer pulling it through the network handler. It only succeeds for
// fully-decoded blocks; the handler re-encodes from BlockStore-held bytes
// rather than forwarding inbound combinations verbatim, matching each
// link's independent codec window (§4.2, §4.6).
func (bs *BlockStore) Generate(digest Identifier, firstComponent uint32) (*Combination, error) {
	data, err := bs.GetBlock(digest)
	if err != nil {
		return nil, err
	}
	src := NewFountainSource(data, DefaultFountainSymbolSize)
	src.Drop(firstComponent)
	return src.Generate(), nil
}

func (bs *BlockStore) purgeLoop() {
	defer bs.wg.Done()
	interval := bs.cfg.StoreMaxAge / 6
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bs.db.purgeOlderThan(bs.cfg.StoreMaxAge)
		case <-bs.stopCh:
			return
		}
	}
}

// Close flushes the index to disk and stops background purging.
func (bs *BlockStore) Close() error {
	close(bs.stopCh)
	bs.wg.Wait()
	return bs.db.Close()
}
