package core

import (
	"fmt"
	"sort"
	"sync"
)

// Board is a mail-backed resource (§3 "Board", GLOSSARY): a feed of Mail
// records sharing a common root, synchronized incrementally over the
// pub/sub fabric rather than as a single versioned blob the way files and
// directories are. Each record is also committed to the block store under
// its own digest so a board can be fetched by digest like any other
// resource, and so late joiners can pull individual messages instead of
// replaying the whole feed.
type Board struct {
	mu     sync.RWMutex
	path   string
	store  *BlockStore
	algo   HashAlgorithm
	byID   map[Identifier]*Mail
	order  []Identifier // insertion order, oldest first
}

// NewBoard creates an empty board publishing/subscribing under path.
func NewBoard(path string, store *BlockStore, algo HashAlgorithm) *Board {
	return &Board{
		path:  path,
		store: store,
		algo:  algo,
		byID:  make(map[Identifier]*Mail),
	}
}

// Append signs mail under key, commits it to the block store, and adds it
// to the board, returning its digest. Pass a nil key for mail already
// signed by its original author (the remote-arrival path).
func (b *Board) Append(mail *Mail, key *IdentityKeyPair) (Identifier, error) {
	var digest Identifier
	var err error
	if key != nil {
		digest, err = mail.Sign(b.algo, key)
		if err != nil {
			return ZeroIdentifier, fmt.Errorf("board: sign mail: %w", err)
		}
	} else {
		digest = H(b.algo, mail.marshalUnsigned())
	}

	if _, err := b.store.Put(mail.Marshal()); err != nil {
		return ZeroIdentifier, fmt.Errorf("board: commit mail: %w", err)
	}

	b.mu.Lock()
	if _, exists := b.byID[digest]; !exists {
		b.byID[digest] = mail
		b.order = append(b.order, digest)
	}
	b.mu.Unlock()
	return digest, nil
}

// Get returns the mail stored under digest, if known.
func (b *Board) Get(digest Identifier) (*Mail, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.byID[digest]
	return m, ok
}

// Digests returns every known mail digest, oldest first.
func (b *Board) Digests() []Identifier {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Identifier, len(b.order))
	copy(out, b.order)
	return out
}

// AsPublisher exposes the board's known digests to the pub/sub fabric's
// query path (§4.7): subPath is unused, the whole feed answers any query
// under the board's prefix.
func (b *Board) AsPublisher() Publisher {
	return NewFuncPublisher(b.path, func(subPath string) ([]Identifier, *Mail, error) {
		digests := b.Digests()
		sort.Slice(digests, func(i, j int) bool { return digests[i].String() < digests[j].String() })
		return digests, nil, nil
	})
}

// AsSubscriber exposes the board to the pub/sub fabric's notification
// path: a remote publish carrying a Mail record appends it directly; one
// carrying only a target digest triggers a block-store fetch so the
// record can be appended once it arrives.
func (b *Board) AsSubscriber(onMissing func(target Identifier)) Subscriber {
	return NewFuncSubscriber(b.path, func(locator Locator, target Identifier, mail *Mail) {
		if mail != nil {
			_, _ = b.Append(mail, nil)
			return
		}
		if b.store.HasBlock(target) {
			if data, err := b.store.GetBlock(target); err == nil {
				if m, err := UnmarshalMail(data); err == nil {
					_, _ = b.Append(m, nil)
					return
				}
			}
		}
		if onMissing != nil {
			onMissing(target)
		}
	})
}
