package core

import (
	"path/filepath"
	"testing"
)

func TestAddressBookFirstRunGeneratesUser(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys")

	ab := NewAddressBook(path)
	user, err := ab.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if user.ID == ZeroIdentifier {
		t.Fatalf("expected a generated user identity")
	}

	ab2 := NewAddressBook(path)
	reloaded, err := ab2.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ID != user.ID {
		t.Fatalf("reloaded user id mismatch: got %s want %s", reloaded.ID, user.ID)
	}
}

func TestAddressBookPeerPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys")

	ab := NewAddressBook(path)
	if _, err := ab.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	node, err := RandomIdentifier()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}
	if err := ab.RegisterPeer("example.org:4242", node); err != nil {
		t.Fatalf("register peer: %v", err)
	}

	ab2 := NewAddressBook(path)
	if _, err := ab2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := ab2.NodeForAddress("example.org:4242")
	if !ok {
		t.Fatalf("expected peer to be persisted")
	}
	if got != node {
		t.Fatalf("peer node id mismatch: got %s want %s", got, node)
	}
}
