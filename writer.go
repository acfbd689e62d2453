package snstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/bsm/snstore/amqf"
	"github.com/cockroachdb/errors"
)

// TableMeta describes a written SST. It is stored in the meta file.
type TableMeta struct {
	MinHash      uint64 // smallest key hash, MaxUint64 for empty tables
	MaxHash      uint64 // largest key hash, 0 for empty tables
	Size         uint64 // file size in bytes
	KeyDictLen   uint16
	ValueDictLen uint16
	BlockCount   uint16
	EntryCount   int    // not persisted in the meta file
	Filter       []byte // serialized AMQF
}

// Range implements compact.Compactable.
func (m *TableMeta) Range() (uint64, uint64) { return m.MinHash, m.MaxHash }

// valueRef locates a value within the value blocks.
type valueRef struct {
	block  uint16
	offset uint32
	size   uint32
}

// Writer instances can write a table. All entries are buffered until
// Finish is called.
type Writer struct {
	w io.Writer
	o *Options

	entries []Entry
	closed  bool

	offsets []uint32 // block end offsets, relative to the first block
	pos     uint64   // bytes written past the dictionaries
	size    uint64   // total bytes written

	buf []byte // plain buffer
	blk []byte // block buffer
	out []byte // compressed buffer
	tmp []byte // scratch buffer
}

// NewWriter wraps a writer and returns a Writer.
func NewWriter(w io.Writer, o *Options) *Writer {
	return &Writer{
		w:   w,
		o:   o.norm(),
		tmp: make([]byte, 16),
	}
}

// Append appends an entry. Entries must be appended in ascending hash order and
// keys must be unique.
func (w *Writer) Append(ent Entry) error {
	if w.closed {
		return ErrClosed
	}
	if !ent.Value.Kind.isValid() {
		return errors.Newf("snstore: invalid value kind %d", ent.Value.Kind)
	}

	if n := len(w.entries); n != 0 {
		if last := w.entries[n-1].Hash; ent.Hash < last {
			return errors.Wrapf(ErrOutOfOrder, "%d must be >= %d", ent.Hash, last)
		}
		for i := n - 1; i >= 0 && w.entries[i].Hash == ent.Hash; i-- {
			if bytes.Equal(w.entries[i].Key, ent.Key) {
				return errors.Wrapf(ErrOutOfOrder, "duplicate key %q", ent.Key)
			}
		}
	}

	ent.Key = append([]byte(nil), ent.Key...)
	switch ent.Value.Kind {
	case ValueSmall, ValueMedium:
		ent.Value.Data = append([]byte(nil), ent.Value.Data...)
	default:
		ent.Value.Data = nil
	}
	w.entries = append(w.entries, ent)
	return nil
}

// Finish writes the table and returns its metadata.
func (w *Writer) Finish() (*TableMeta, error) {
	if w.closed {
		return nil, ErrClosed
	}
	w.closed = true

	meta := &TableMeta{
		MinHash:    math.MaxUint64,
		EntryCount: len(w.entries),
	}
	if n := len(w.entries); n != 0 {
		meta.MinHash = w.entries[0].Hash
		meta.MaxHash = w.entries[n-1].Hash
	}

	keyDict, valueDict := w.trainDicts()
	if err := w.writeRaw(keyDict); err != nil {
		return nil, err
	}
	if err := w.writeRaw(valueDict); err != nil {
		return nil, err
	}
	meta.KeyDictLen = uint16(len(keyDict))
	meta.ValueDictLen = uint16(len(valueDict))

	valueEnc, err := newEncoder(w.o.Compression, valueDict)
	if err != nil {
		return nil, err
	}
	defer valueEnc.Close()

	refs, err := w.writeValueBlocks(valueEnc)
	if err != nil {
		return nil, err
	}

	keyEnc, err := newEncoder(w.o.Compression, keyDict)
	if err != nil {
		return nil, err
	}
	defer keyEnc.Close()

	filter, err := w.writeKeyBlocks(keyEnc, refs)
	if err != nil {
		return nil, err
	}
	if err := w.writeOffsets(); err != nil {
		return nil, err
	}

	meta.BlockCount = uint16(len(w.offsets))
	meta.Size = w.size
	meta.Filter = filter.AppendBinary(nil)
	w.entries = nil
	return meta, nil
}

// trainDicts samples keys and values and trains the compression dictionaries.
// Training failures are not fatal, the table is written without dictionaries.
func (w *Writer) trainDicts() (keyDict, valueDict []byte) {
	if w.o.Compression != ZstdCompression || len(w.entries) == 0 {
		return nil, nil
	}

	keys := sample(w.entries, w.o.KeySampleBudget, func(e *Entry) []byte { return e.Key })
	if sampleSize(keys) >= w.o.MinSampleSize {
		d, err := trainDict(keys, w.o.KeyDictSize, keyDictID)
		if err != nil {
			w.o.Logger.Infof("snstore: key dictionary training failed, continuing without: %v", err)
		}
		keyDict = d
	}

	values := sample(w.entries, w.o.ValueSampleBudget, func(e *Entry) []byte { return e.Value.Data })
	if sampleSize(values) >= w.o.MinSampleSize {
		d, err := trainDict(values, w.o.ValueDictSize, valueDictID)
		if err != nil {
			w.o.Logger.Infof("snstore: value dictionary training failed, continuing without: %v", err)
		}
		valueDict = d
	}
	return
}

func (w *Writer) writeValueBlocks(enc encoder) ([]valueRef, error) {
	refs := make([]valueRef, len(w.entries))

	var pending []int // entries in the current small value block
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		block, err := w.writeBlock(enc, w.buf)
		if err != nil {
			return err
		}
		for _, i := range pending {
			refs[i].block = block
		}
		w.buf = w.buf[:0]
		pending = pending[:0]
		return nil
	}

	for i := range w.entries {
		val := &w.entries[i].Value
		switch val.Kind {
		case ValueSmall:
			if len(pending) >= w.o.ValueBlockEntries || (len(w.buf) != 0 && len(w.buf)+len(val.Data) > w.o.ValueBlockSize) {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			refs[i].offset = uint32(len(w.buf))
			refs[i].size = uint32(len(val.Data))
			w.buf = append(w.buf, val.Data...)
			pending = append(pending, i)
		case ValueMedium:
			block, err := w.writeBlock(enc, val.Data)
			if err != nil {
				return nil, err
			}
			refs[i] = valueRef{block: block, size: uint32(len(val.Data))}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return refs, nil
}

func (w *Writer) writeKeyBlocks(enc encoder, refs []valueRef) (*amqf.Filter, error) {
	filter := amqf.NewBuilder(len(w.entries), w.o.FilterFPRate)

	var (
		index   []byte // first hash and block of each key block
		offsets []uint32
		count   int
	)
	flush := func() error {
		if count == 0 {
			return nil
		}

		// block: type, entry count, entry offsets, entries
		w.blk = append(w.blk[:0], blockTypeKey)
		w.blk = binary.BigEndian.AppendUint32(w.blk, uint32(count))
		for _, off := range offsets {
			w.blk = binary.BigEndian.AppendUint32(w.blk, off)
		}
		w.blk = append(w.blk, w.buf...)

		block, err := w.writeBlock(enc, w.blk)
		if err != nil {
			return err
		}
		index = binary.BigEndian.AppendUint16(index, block)

		w.buf = w.buf[:0]
		offsets = offsets[:0]
		count = 0
		return nil
	}

	for i := range w.entries {
		ent := &w.entries[i]

		// never split runs of equal hashes
		if count != 0 && ent.Hash != w.entries[i-1].Hash &&
			(count >= w.o.KeyBlockEntries || len(w.buf) >= w.o.KeyBlockSize) {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		if count == 0 {
			index = binary.BigEndian.AppendUint64(index, ent.Hash)
		}

		offsets = append(offsets, uint32(len(w.buf)))
		w.buf = appendKeyEntry(w.buf, ent, refs[i])
		count++

		filter.Insert(ent.Hash)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	// index block: type, entry count, (first hash, block) pairs
	n := len(index) / indexEntrySize
	w.blk = append(w.blk[:0], blockTypeIndex)
	w.blk = binary.BigEndian.AppendUint32(w.blk, uint32(n))
	w.blk = append(w.blk, index...)
	if _, err := w.writeBlock(enc, w.blk); err != nil {
		return nil, err
	}

	return filter.Finish(), nil
}

func (w *Writer) writeOffsets() error {
	for _, off := range w.offsets {
		binary.BigEndian.PutUint32(w.tmp, off)
		if err := w.writeRaw(w.tmp[:4]); err != nil {
			return err
		}
	}
	return nil
}

// writeBlock compresses and writes a block, returning its index.
func (w *Writer) writeBlock(enc encoder, plain []byte) (uint16, error) {
	if len(w.offsets) >= maxBlockCount {
		return 0, errors.Wrapf(ErrCapacity, "more than %d blocks", maxBlockCount)
	}
	if len(plain) > maxBlockSize {
		return 0, errors.Wrapf(ErrCapacity, "block of %d bytes", len(plain))
	}

	binary.BigEndian.PutUint32(w.tmp, uint32(len(plain)))
	if err := w.writeRaw(w.tmp[:4]); err != nil {
		return 0, err
	}

	w.out = enc.Encode(w.out, plain)
	if err := w.writeRaw(w.out); err != nil {
		return 0, err
	}

	w.pos += uint64(4 + len(w.out))
	if w.pos > math.MaxUint32 {
		return 0, errors.Wrapf(ErrCapacity, "block offset %d", w.pos)
	}
	w.offsets = append(w.offsets, uint32(w.pos))
	return uint16(len(w.offsets) - 1), nil
}

func (w *Writer) writeRaw(p []byte) error {
	n, err := w.w.Write(p)
	w.size += uint64(n)
	return err
}

// --------------------------------------------------------------------

const indexEntrySize = 10 // hash (8 bytes) + block (2 bytes)

// appendKeyEntry encodes a key block entry:
// hash (8 bytes), kind (1 byte), key length (uvarint), key, value reference.
func appendKeyEntry(dst []byte, ent *Entry, ref valueRef) []byte {
	dst = binary.BigEndian.AppendUint64(dst, ent.Hash)
	dst = append(dst, byte(ent.Value.Kind))
	dst = binary.AppendUvarint(dst, uint64(len(ent.Key)))
	dst = append(dst, ent.Key...)

	switch ent.Value.Kind {
	case ValueSmall:
		dst = binary.BigEndian.AppendUint16(dst, ref.block)
		dst = binary.BigEndian.AppendUint32(dst, ref.offset)
		dst = binary.BigEndian.AppendUint32(dst, ref.size)
	case ValueMedium:
		dst = binary.BigEndian.AppendUint16(dst, ref.block)
	case ValueLarge:
		dst = binary.BigEndian.AppendUint32(dst, ent.Value.Blob)
	}
	return dst
}

// sample collects up to budget bytes from entries, spread evenly.
func sample(entries []Entry, budget int, fn func(*Entry) []byte) [][]byte {
	var total int
	for i := range entries {
		total += len(fn(&entries[i]))
	}
	if total == 0 {
		return nil
	}

	step := 1 + total/budget
	var res [][]byte
	for i := 0; i < len(entries) && budget > 0; i += step {
		p := fn(&entries[i])
		if len(p) == 0 {
			continue
		}
		if len(p) > budget {
			p = p[:budget]
		}
		res = append(res, p)
		budget -= len(p)
	}
	return res
}

func sampleSize(samples [][]byte) (n int) {
	for _, p := range samples {
		n += len(p)
	}
	return
}

// --------------------------------------------------------------------

// WriteTable writes entries to a new SST in dir.
func WriteTable(dir string, seq uint32, entries []Entry, o *Options) (*TableMeta, error) {
	name := tablePath(dir, seq)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	meta, err := writeTable(f, entries, o)
	if err == nil {
		err = f.Sync()
	}
	if e := f.Close(); err == nil {
		err = e
	}
	if err != nil {
		_ = os.Remove(name)
		return nil, errors.Wrapf(err, "snstore: write table %08d", seq)
	}
	return meta, nil
}

func writeTable(f io.Writer, entries []Entry, o *Options) (*TableMeta, error) {
	bw := bufio.NewWriterSize(f, 64*1024)
	w := NewWriter(bw, o)
	for _, ent := range entries {
		if err := w.Append(ent); err != nil {
			return nil, err
		}
	}
	meta, err := w.Finish()
	if err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return meta, nil
}
