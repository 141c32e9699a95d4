package core

import "time"

// DirectoryRecord is one child entry in a directory resource's content
// stream (§3 "Directory record"), written with the same canonical
// serializer as IndexRecord so the Reader can parse them lazily without a
// separate framing layer.
type DirectoryRecord struct {
	Name   string
	Type   string
	Size   uint64
	Digest Identifier
	Time   time.Time
}

// Marshal renders the record in its canonical wire form.
func (d *DirectoryRecord) Marshal() []byte {
	w := newRecordWriter()
	w.writeString(d.Name)
	w.writeString(d.Type)
	w.writeUint64(d.Size)
	w.writeIdentifier(d.Digest)
	w.writeUint64(uint64(d.Time.UTC().UnixNano()))
	return w.bytes()
}

// UnmarshalDirectoryRecord parses a record previously produced by Marshal.
// R2 requires that calling Marshal again on the result reproduces data
// exactly; this holds because every field round-trips losslessly (time is
// stored as UTC unix nanoseconds on both sides).
func UnmarshalDirectoryRecord(data []byte) (*DirectoryRecord, error) {
	r := newRecordReader(data)
	rec := &DirectoryRecord{
		Name:   r.readString(),
		Type:   r.readString(),
		Size:   r.readUint64(),
		Digest: r.readIdentifier(),
	}
	nanos := r.readUint64()
	rec.Time = time.Unix(0, int64(nanos)).UTC()
	if err := r.finish(); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarshalDirectoryRecords concatenates a sequence of directory records as
// length-prefixed blobs, forming one directory resource's logical content.
func MarshalDirectoryRecords(records []*DirectoryRecord) []byte {
	w := newRecordWriter()
	w.writeUint64(uint64(len(records)))
	for _, rec := range records {
		w.writeBytes(rec.Marshal())
	}
	return w.bytes()
}

// UnmarshalDirectoryRecords parses the content produced by
// MarshalDirectoryRecords.
func UnmarshalDirectoryRecords(data []byte) ([]*DirectoryRecord, error) {
	r := newRecordReader(data)
	n := r.readUint64()
	if r.err != nil {
		return nil, r.err
	}
	out := make([]*DirectoryRecord, 0, n)
	for i := uint64(0); i < n; i++ {
		raw := r.readBytes()
		if r.err != nil {
			return nil, r.err
		}
		rec, err := UnmarshalDirectoryRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return out, nil
}
