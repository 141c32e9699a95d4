package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// writer/reader are a small canonical binary codec for the index, directory
// and mail records (§3). Grounded on the original implementation's
// BinarySerializer (original_source/pla/binaryserializer.hpp): every field
// is length-prefixed so records nest and concatenate without ambiguity, but
// expressed here as a pair of Go helper types instead of a C++ stream
// serializer. Canonical (one encoding per value) so re-serializing a parsed
// record reproduces the original bytes exactly (R2).
type recordWriter struct {
	buf bytes.Buffer
}

func newRecordWriter() *recordWriter { return &recordWriter{} }

func (w *recordWriter) bytes() []byte { return w.buf.Bytes() }

func (w *recordWriter) writeUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *recordWriter) writeBytes(b []byte) {
	w.writeUint64(uint64(len(b)))
	w.buf.Write(b)
}

func (w *recordWriter) writeString(s string) { w.writeBytes([]byte(s)) }

func (w *recordWriter) writeIdentifier(id Identifier) { w.buf.Write(id[:]) }

func (w *recordWriter) writeDigestList(ids []Identifier) {
	w.writeUint64(uint64(len(ids)))
	for _, id := range ids {
		w.writeIdentifier(id)
	}
}

type recordReader struct {
	r   *bytes.Reader
	err error
}

func newRecordReader(data []byte) *recordReader { return &recordReader{r: bytes.NewReader(data)} }

func (r *recordReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *recordReader) readUint64() uint64 {
	if r.err != nil {
		return 0
	}
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.fail(fmt.Errorf("%w: %v", ErrInvalidRecord, err))
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}

func (r *recordReader) readBytes() []byte {
	if r.err != nil {
		return nil
	}
	n := r.readUint64()
	if r.err != nil {
		return nil
	}
	if n > uint64(r.r.Len()) {
		r.fail(fmt.Errorf("%w: field length %d exceeds remaining input", ErrInvalidRecord, n))
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.fail(fmt.Errorf("%w: %v", ErrInvalidRecord, err))
		return nil
	}
	return b
}

func (r *recordReader) readString() string { return string(r.readBytes()) }

func (r *recordReader) readIdentifier() Identifier {
	var id Identifier
	if r.err != nil {
		return id
	}
	if _, err := io.ReadFull(r.r, id[:]); err != nil {
		r.fail(fmt.Errorf("%w: %v", ErrInvalidRecord, err))
	}
	return id
}

func (r *recordReader) readDigestList() []Identifier {
	if r.err != nil {
		return nil
	}
	n := r.readUint64()
	if r.err != nil {
		return nil
	}
	out := make([]Identifier, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, r.readIdentifier())
		if r.err != nil {
			return nil
		}
	}
	return out
}

func (r *recordReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.r.Len() != 0 {
		return fmt.Errorf("%w: trailing bytes", ErrInvalidRecord)
	}
	return nil
}
