package core

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ValueKind classifies an entry stored via StoreValue (§4.1, §6's `map`
// table `type` column).
type ValueKind int

const (
	// ValuePermanent entries are never purged by age.
	ValuePermanent ValueKind = iota
	// ValueTemporary entries are purged once older than store_max_age.
	ValueTemporary
	// ValueDistributed entries back the DHT's local replica of a stored
	// key; purged the same as Temporary unless re-stored.
	ValueDistributed
)

// blockRow mirrors the `blocks(digest, file_id, offset, size)` table.
type blockRow struct {
	FileID uint64
	Offset int64
	Size   int64
}

// fileRow mirrors the `files(id, name)` table.
type fileRow struct {
	ID   uint64
	Name string
}

// mapRow mirrors one entry of the `map(key, value, time, type)` table. A
// key may have more than one value (retrieve_value returns a set), so rows
// are kept in a slice per key.
type mapRow struct {
	Value []byte
	Time  time.Time
	Kind  ValueKind
}

// storeDB is the relational store behind `store.db` (§6). No third-party
// embedded-SQL driver appears anywhere in the example corpus the teacher
// and its siblings depend on, so this is a deliberate stdlib exception
// (documented in DESIGN.md): three maps guarded by one mutex, snapshotted
// to disk as a single gob-encoded file on Close and on a periodic flush,
// which is sufficient for a process-local, single-writer store.
type storeDB struct {
	mu        sync.RWMutex
	path      string
	blocks    map[Identifier]blockRow
	files     map[uint64]fileRow
	nextFile  uint64
	values    map[Identifier][]mapRow
	dirty     bool
	closeOnce sync.Once
	stopCh    chan struct{}
}

type storeDBSnapshot struct {
	Blocks   map[Identifier]blockRow
	Files    map[uint64]fileRow
	NextFile uint64
	Values   map[Identifier][]mapRow
}

func openStoreDB(path string) (*storeDB, error) {
	db := &storeDB{
		path:   path,
		blocks: make(map[Identifier]blockRow),
		files:  make(map[uint64]fileRow),
		values: make(map[Identifier][]mapRow),
		stopCh: make(chan struct{}),
	}
	if raw, err := os.ReadFile(path); err == nil {
		var snap storeDBSnapshot
		if derr := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); derr == nil {
			db.blocks = snap.Blocks
			db.files = snap.Files
			db.nextFile = snap.NextFile
			db.values = snap.Values
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if db.blocks == nil {
		db.blocks = make(map[Identifier]blockRow)
	}
	if db.files == nil {
		db.files = make(map[uint64]fileRow)
	}
	if db.values == nil {
		db.values = make(map[Identifier][]mapRow)
	}
	go db.flushLoop()
	return db, nil
}

func (db *storeDB) flushLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = db.flush()
		case <-db.stopCh:
			return
		}
	}
}

func (db *storeDB) flush() error {
	db.mu.Lock()
	if !db.dirty {
		db.mu.Unlock()
		return nil
	}
	snap := storeDBSnapshot{Blocks: db.blocks, Files: db.files, NextFile: db.nextFile, Values: db.values}
	db.dirty = false
	db.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode store db: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(db.path), 0o755); err != nil {
		return fmt.Errorf("store db dir: %w", err)
	}
	tmp := db.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write store db: %w", err)
	}
	return os.Rename(tmp, db.path)
}

func (db *storeDB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		close(db.stopCh)
		err = db.flush()
	})
	return err
}

func (db *storeDB) putBlock(digest Identifier, fileName string, offset, size int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var fileID uint64
	found := false
	for id, f := range db.files {
		if f.Name == fileName {
			fileID, found = id, true
			break
		}
	}
	if !found {
		fileID = db.nextFile
		db.nextFile++
		db.files[fileID] = fileRow{ID: fileID, Name: fileName}
	}
	db.blocks[digest] = blockRow{FileID: fileID, Offset: offset, Size: size}
	db.dirty = true
	return nil
}

func (db *storeDB) getBlock(digest Identifier) (fileName string, offset, size int64, ok bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	row, present := db.blocks[digest]
	if !present {
		return "", 0, 0, false
	}
	f, present := db.files[row.FileID]
	if !present {
		return "", 0, 0, false
	}
	return f.Name, row.Offset, row.Size, true
}

func (db *storeDB) hasBlock(digest Identifier) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.blocks[digest]
	return ok
}

func (db *storeDB) deleteBlock(digest Identifier) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.blocks, digest)
	db.dirty = true
}

func (db *storeDB) putValue(key Identifier, value []byte, kind ValueKind) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows := db.values[key]
	now := time.Now()
	for i, r := range rows {
		if bytes.Equal(r.Value, value) {
			rows[i].Time = now
			rows[i].Kind = kind
			db.dirty = true
			return
		}
	}
	db.values[key] = append(rows, mapRow{Value: append([]byte(nil), value...), Time: now, Kind: kind})
	db.dirty = true
}

func (db *storeDB) getValues(key Identifier) [][]byte {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rows := db.values[key]
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = append([]byte(nil), r.Value...)
	}
	return out
}

// purgeOlderThan deletes non-permanent map rows older than maxAge (§4.1's
// background purge, default store_max_age = 6h).
func (db *storeDB) purgeOlderThan(maxAge time.Duration) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	purged := 0
	for key, rows := range db.values {
		kept := rows[:0]
		for _, r := range rows {
			if r.Kind != ValuePermanent && r.Time.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(db.values, key)
		} else {
			db.values[key] = kept
		}
	}
	if purged > 0 {
		db.dirty = true
	}
	return purged
}
