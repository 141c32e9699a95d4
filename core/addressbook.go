package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// keysFile is the on-disk shape of the `keys` file (§6): the local user's
// keypair plus the address-to-node-id directory of peers this node has
// ever talked to. PublicKey/PrivateKey are libp2p's marshaled protobuf
// key envelopes (the same bytes MarshalPublicKey/MarshalPrivateKey
// produce), base64-encoded by encoding/json's []byte handling.
type keysFile struct {
	PublicKey  []byte            `json:"publickey"`
	PrivateKey []byte            `json:"privatekey"`
	Peers      map[string]string `json:"peers"`
}

// AddressBook is the process-wide keeper of the local user identity and
// the known-peer directory (§6, §4.8's listener/caller glue), backed by
// the `keys` file. Grounded on storeDB's write-temp-then-rename pattern
// (store_db.go) for crash-safe persistence of a small JSON document
// rather than the gob-encoded relational store that file uses.
type AddressBook struct {
	mu    sync.RWMutex
	path  string
	user  *User
	peers map[string]Identifier // address -> node id
}

// NewAddressBook creates an AddressBook backed by path, without loading
// or generating an identity yet.
func NewAddressBook(path string) *AddressBook {
	return &AddressBook{path: path, peers: make(map[string]Identifier)}
}

// Load reads the `keys` file at ab.path, reconstructing the local user
// and the peer directory. If the file does not exist, a fresh user
// identity is generated and immediately persisted (first-run bootstrap).
func (ab *AddressBook) Load() (*User, error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	data, err := os.ReadFile(ab.path)
	if os.IsNotExist(err) {
		user, genErr := NewUser()
		if genErr != nil {
			return nil, genErr
		}
		ab.user = user
		if saveErr := ab.saveLocked(); saveErr != nil {
			return nil, saveErr
		}
		return user, nil
	}
	if err != nil {
		return nil, fmt.Errorf("addressbook: read keys file: %w", err)
	}

	var kf keysFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("addressbook: parse keys file: %w", err)
	}
	user, err := LoadUser(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("addressbook: load user: %w", err)
	}

	peers := make(map[string]Identifier, len(kf.Peers))
	for address, hexID := range kf.Peers {
		id, err := IdentifierFromHex(hexID)
		if err != nil {
			continue // skip a corrupted entry rather than fail the whole load
		}
		peers[address] = id
	}

	ab.user = user
	ab.peers = peers
	return user, nil
}

// Save persists the current user identity and peer directory to disk.
func (ab *AddressBook) Save() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.saveLocked()
}

func (ab *AddressBook) saveLocked() error {
	if ab.user == nil {
		return fmt.Errorf("addressbook: no user identity to save")
	}
	pub, err := ab.user.MarshalPublicKey()
	if err != nil {
		return err
	}
	priv, err := ab.user.MarshalPrivateKey()
	if err != nil {
		return err
	}
	peers := make(map[string]string, len(ab.peers))
	for address, id := range ab.peers {
		peers[address] = id.String()
	}
	kf := keysFile{PublicKey: pub, PrivateKey: priv, Peers: peers}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("addressbook: encode keys file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ab.path), 0o700); err != nil {
		return fmt.Errorf("addressbook: keys dir: %w", err)
	}
	tmp := ab.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("addressbook: write keys file: %w", err)
	}
	return os.Rename(tmp, ab.path)
}

// RegisterPeer records that address resolves to node, persisting the
// updated directory.
func (ab *AddressBook) RegisterPeer(address string, node Identifier) error {
	ab.mu.Lock()
	ab.peers[address] = node
	ab.mu.Unlock()
	return ab.Save()
}

// NodeForAddress looks up a previously registered peer by address.
func (ab *AddressBook) NodeForAddress(address string) (Identifier, bool) {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	id, ok := ab.peers[address]
	return id, ok
}

// Peers returns a snapshot of the address -> node id directory.
func (ab *AddressBook) Peers() map[string]Identifier {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	out := make(map[string]Identifier, len(ab.peers))
	for k, v := range ab.peers {
		out[k] = v
	}
	return out
}

// User returns the currently loaded local identity, if any.
func (ab *AddressBook) User() *User {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return ab.user
}
