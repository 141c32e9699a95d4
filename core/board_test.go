package core

import (
	"testing"
	"time"
)

func TestBoardAppendAndQuery(t *testing.T) {
	bs := newTestStore(t)
	board := NewBoard("boards/general", bs, bs.algo)

	user, err := NewUser()
	if err != nil {
		t.Fatalf("new user: %v", err)
	}

	mail := &Mail{Content: "hello board", Author: "alice", AuthorID: user.ID, Time: time.Now()}
	digest, err := board.Append(mail, user.Identity)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, ok := board.Get(digest)
	if !ok {
		t.Fatalf("expected mail to be retrievable by digest")
	}
	if got.Content != "hello board" {
		t.Fatalf("unexpected content: %s", got.Content)
	}

	digests := board.Digests()
	if len(digests) != 1 || digests[0] != digest {
		t.Fatalf("unexpected digests: %v", digests)
	}

	pub := board.AsPublisher()
	queried, mailOut, err := pub.Query("")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if mailOut != nil {
		t.Fatalf("expected nil mail from digest query")
	}
	if len(queried) != 1 || queried[0] != digest {
		t.Fatalf("unexpected query result: %v", queried)
	}
}

func TestBoardSubscriberAppendsRemoteMail(t *testing.T) {
	bs := newTestStore(t)
	board := NewBoard("boards/general", bs, bs.algo)

	user, err := NewUser()
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	mail := &Mail{Content: "remote message", Author: "bob", AuthorID: user.ID, Time: time.Now()}
	if _, err := mail.Sign(bs.algo, user.Identity); err != nil {
		t.Fatalf("sign: %v", err)
	}

	sub := board.AsSubscriber(nil)
	sub.Notify(Locator{Path: "boards/general", Local: false}, ZeroIdentifier, mail)

	digests := board.Digests()
	if len(digests) != 1 {
		t.Fatalf("expected one appended mail, got %d", len(digests))
	}
	got, _ := board.Get(digests[0])
	if got.Content != "remote message" {
		t.Fatalf("unexpected content: %s", got.Content)
	}
}
