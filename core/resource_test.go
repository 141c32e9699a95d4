package core

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"
)

// TestResourceRoundTrip covers R1: fetch(process(file)) reproduces the
// exact original bytes, both unencrypted and encrypted.
func TestResourceRoundTrip(t *testing.T) {
	for _, secret := range [][]byte{nil, []byte("shared-secret")} {
		bs := newTestStore(t)
		rl := NewResourceLayer(bs, bs.algo)

		data := make([]byte, 10000)
		rand.New(rand.NewSource(3)).Read(data)

		digest, err := rl.Process(data, ResourceSpecs{Name: "f", Type: "file", Secret: secret}, 4096, nil)
		if err != nil {
			t.Fatalf("process: %v", err)
		}

		rec, err := rl.Fetch(digest, true)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if rec.Size != uint64(len(data)) {
			t.Fatalf("size mismatch: got %d want %d", rec.Size, len(data))
		}

		reader := NewResourceReader(bs, bs.algo, rec, 4096, secret)
		var out bytes.Buffer
		buf := make([]byte, 777)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			n, rerr := reader.Read(ctx, buf)
			out.Write(buf[:n])
			if rerr != nil {
				break
			}
		}
		if !bytes.Equal(out.Bytes(), data) {
			t.Fatalf("round trip mismatch (secret=%v): got %d bytes want %d", secret != nil, out.Len(), len(data))
		}
	}
}

// TestDirectoryRecordRoundTrip covers R2.
func TestDirectoryRecordRoundTrip(t *testing.T) {
	digest, _ := RandomIdentifier()
	rec := &DirectoryRecord{
		Name:   "notes.txt",
		Type:   "file",
		Size:   1234,
		Digest: digest,
		Time:   time.Unix(1700000000, 42000).UTC(),
	}
	encoded := rec.Marshal()
	parsed, err := UnmarshalDirectoryRecord(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	reEncoded := parsed.Marshal()
	if !bytes.Equal(encoded, reEncoded) {
		t.Fatalf("re-serialization mismatch")
	}
}

func TestDirectoryRecordsRoundTrip(t *testing.T) {
	d1, _ := RandomIdentifier()
	d2, _ := RandomIdentifier()
	recs := []*DirectoryRecord{
		{Name: "a", Type: "file", Size: 1, Digest: d1, Time: time.Unix(1, 0).UTC()},
		{Name: "b", Type: "directory", Size: 0, Digest: d2, Time: time.Unix(2, 0).UTC()},
	}
	encoded := MarshalDirectoryRecords(recs)
	parsed, err := UnmarshalDirectoryRecords(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(parsed) != 2 || parsed[0].Name != "a" || parsed[1].Name != "b" {
		t.Fatalf("unexpected parse result: %+v", parsed)
	}
}

// TestMailSignVerify covers R3.
func TestMailSignVerify(t *testing.T) {
	key, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	authorID, err := key.Fingerprint(HashSHA256)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	mail := &Mail{
		Content:  "hello board",
		Author:   "alice",
		AuthorID: authorID,
		Time:     time.Now().UTC(),
	}
	digest, err := mail.Sign(HashSHA256, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	encoded := mail.Marshal()
	parsed, err := UnmarshalMail(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	pub, err := key.MarshalPublicKey()
	if err != nil {
		t.Fatalf("marshal pub: %v", err)
	}
	verifiedDigest, ok, err := parsed.Verify(HashSHA256, pub)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("signature did not verify")
	}
	if verifiedDigest != digest {
		t.Fatalf("digest mismatch: got %s want %s", verifiedDigest, digest)
	}

	parsed.Content = "tampered"
	if _, ok, err := parsed.Verify(HashSHA256, pub); err != nil {
		t.Fatalf("verify: %v", err)
	} else if ok {
		t.Fatalf("tampered mail should not verify")
	}
}
