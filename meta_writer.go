package snstore

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/cockroachdb/errors"
)

const (
	metaMagic     = 0xFE4ADA4A
	metaEntrySize = 38
)

// MetaTable pairs a table sequence number with its metadata.
type MetaTable struct {
	Sequence uint32
	Meta     *TableMeta
}

// MetaWriter instances can write a meta file. Tables are buffered and written
// on Close in the order they were added, oldest first.
type MetaWriter struct {
	w      io.Writer
	family uint32

	tables   []MetaTable
	obsolete []uint32
	filters  uint64 // total filter bytes
	closed   bool
}

// NewMetaWriter wraps a writer and returns a MetaWriter.
func NewMetaWriter(w io.Writer, family uint32) *MetaWriter {
	return &MetaWriter{w: w, family: family}
}

// Add adds a table. Tables added later shadow those added earlier.
func (w *MetaWriter) Add(seq uint32, meta *TableMeta) error {
	if w.closed {
		return ErrClosed
	}
	if uint64(len(w.tables)) >= math.MaxUint32 {
		return errors.Wrap(ErrCapacity, "too many tables")
	}

	w.filters += uint64(len(meta.Filter))
	if w.filters > math.MaxUint32 {
		return errors.Wrapf(ErrCapacity, "filter region of %d bytes", w.filters)
	}
	w.tables = append(w.tables, MetaTable{Sequence: seq, Meta: meta})
	return nil
}

// Obsolete marks sequence numbers of files which are superseded by this one.
func (w *MetaWriter) Obsolete(seqs ...uint32) {
	w.obsolete = append(w.obsolete, seqs...)
}

// Close writes the meta file. It does not close the underlying writer.
func (w *MetaWriter) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true

	if uint64(len(w.obsolete)) > math.MaxUint32 {
		return errors.Wrap(ErrCapacity, "too many obsolete files")
	}

	buf := make([]byte, 0, 16+4*len(w.obsolete)+metaEntrySize*len(w.tables))
	buf = binary.BigEndian.AppendUint32(buf, metaMagic)
	buf = binary.BigEndian.AppendUint32(buf, w.family)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(w.obsolete)))
	for _, seq := range w.obsolete {
		buf = binary.BigEndian.AppendUint32(buf, seq)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(w.tables)))

	var end uint32
	for _, t := range w.tables {
		end += uint32(len(t.Meta.Filter))
		buf = appendMetaEntry(buf, t.Sequence, t.Meta, end)
	}
	if _, err := w.w.Write(buf); err != nil {
		return err
	}

	for _, t := range w.tables {
		if _, err := w.w.Write(t.Meta.Filter); err != nil {
			return err
		}
	}
	return nil
}

// appendMetaEntry encodes an entry header: sequence (4 bytes),
// key dict length (2 bytes), value dict length (2 bytes), block count (2 bytes),
// min hash (8 bytes), max hash (8 bytes), size (8 bytes), filter end (4 bytes).
func appendMetaEntry(dst []byte, seq uint32, m *TableMeta, filterEnd uint32) []byte {
	dst = binary.BigEndian.AppendUint32(dst, seq)
	dst = binary.BigEndian.AppendUint16(dst, m.KeyDictLen)
	dst = binary.BigEndian.AppendUint16(dst, m.ValueDictLen)
	dst = binary.BigEndian.AppendUint16(dst, m.BlockCount)
	dst = binary.BigEndian.AppendUint64(dst, m.MinHash)
	dst = binary.BigEndian.AppendUint64(dst, m.MaxHash)
	dst = binary.BigEndian.AppendUint64(dst, m.Size)
	dst = binary.BigEndian.AppendUint32(dst, filterEnd)
	return dst
}

// WriteMetaFile writes a meta file with the given tables into dir.
func WriteMetaFile(dir string, seq, family uint32, tables []MetaTable, obsolete []uint32) (err error) {
	name := metaPath(dir, seq)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "snstore: create meta %08d", seq)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(name)
		}
	}()

	bw := bufio.NewWriter(f)
	mw := NewMetaWriter(bw, family)
	for _, t := range tables {
		if err := mw.Add(t.Sequence, t.Meta); err != nil {
			return err
		}
	}
	mw.Obsolete(obsolete...)

	if err := mw.Close(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}
