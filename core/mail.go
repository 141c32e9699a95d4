package core

import "time"

// Mail is a signed authored record (§3 "Mail"), the content unit boards
// synchronize over the pub/sub fabric (§4.8's board glue).
type Mail struct {
	Content       string
	Author        string // display name
	AuthorID      Identifier
	Time          time.Time
	ParentDigest  Identifier // zero iff a root message
	Attachments   []Identifier
	Signature     []byte
}

// marshalUnsigned renders every field except Signature, the bytes that get
// signed and hashed.
func (m *Mail) marshalUnsigned() []byte {
	w := newRecordWriter()
	w.writeString(m.Content)
	w.writeString(m.Author)
	w.writeIdentifier(m.AuthorID)
	w.writeUint64(uint64(m.Time.UTC().UnixNano()))
	w.writeIdentifier(m.ParentDigest)
	w.writeDigestList(m.Attachments)
	return w.bytes()
}

// Marshal renders the full signed record, signature included.
func (m *Mail) Marshal() []byte {
	w := newRecordWriter()
	w.buf.Write(m.marshalUnsigned())
	w.writeBytes(m.Signature)
	return w.bytes()
}

// Sign computes m.Signature over marshalUnsigned() under key, and returns
// the record's digest, computed the same way (§3: "Digest is computed by
// signing the serialized record with the signature field cleared").
func (m *Mail) Sign(algo HashAlgorithm, key *IdentityKeyPair) (Identifier, error) {
	unsigned := m.marshalUnsigned()
	sig, err := key.Sign(unsigned)
	if err != nil {
		return ZeroIdentifier, err
	}
	m.Signature = sig
	return H(algo, unsigned), nil
}

// Verify checks m.Signature against marshaledPub and returns the record's
// digest (computed over the unsigned form, matching Sign).
func (m *Mail) Verify(algo HashAlgorithm, marshaledPub []byte) (Identifier, bool, error) {
	unsigned := m.marshalUnsigned()
	ok, err := VerifySignature(marshaledPub, unsigned, m.Signature)
	if err != nil {
		return ZeroIdentifier, false, err
	}
	return H(algo, unsigned), ok, nil
}

// UnmarshalMail parses a record previously produced by Marshal.
func UnmarshalMail(data []byte) (*Mail, error) {
	r := newRecordReader(data)
	m := &Mail{
		Content:  r.readString(),
		Author:   r.readString(),
		AuthorID: r.readIdentifier(),
	}
	nanos := r.readUint64()
	m.Time = time.Unix(0, int64(nanos)).UTC()
	m.ParentDigest = r.readIdentifier()
	m.Attachments = r.readDigestList()
	m.Signature = r.readBytes()
	if err := r.finish(); err != nil {
		return nil, err
	}
	return m, nil
}
