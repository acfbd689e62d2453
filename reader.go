package snstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/mmap"
)

// Table instances can look up and iterate over the entries of an SST.
type Table struct {
	r      io.ReaderAt
	closer io.Closer
	seq    uint32
	o      *Options

	base    int64    // offset of the first block
	offsets []uint32 // block end offsets
	index   []indexEntry

	keyDec, valueDec decoder
}

type indexEntry struct {
	Hash  uint64 // first hash in the key block
	Block uint16 // key block position
}

// OpenTable opens an SST in dir via mmap.
func OpenTable(dir string, seq uint32, meta *TableMeta, o *Options) (*Table, error) {
	r, err := mmap.Open(tablePath(dir, seq))
	if err != nil {
		return nil, errors.Wrapf(err, "snstore: open table %08d", seq)
	}

	t, err := NewTable(r, int64(r.Len()), seq, meta, o)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	t.closer = r
	return t, nil
}

// NewTable opens a table of the given size.
func NewTable(r io.ReaderAt, size int64, seq uint32, meta *TableMeta, o *Options) (*Table, error) {
	t := &Table{
		r:    r,
		seq:  seq,
		o:    o.norm(),
		base: int64(meta.KeyDictLen) + int64(meta.ValueDictLen),
	}

	if err := t.init(size, meta); err != nil {
		t.Close()
		return nil, err
	}
	if t.o.OnTableOpen != nil {
		t.o.OnTableOpen(seq)
	}
	return t, nil
}

func (t *Table) init(size int64, meta *TableMeta) error {
	nblocks := int(meta.BlockCount)
	if nblocks == 0 {
		return t.corruptf("no blocks")
	}

	// read block offsets
	tableEnd := size - 4*int64(nblocks)
	if tableEnd < t.base {
		return t.corruptf("file of %d bytes too small for %d blocks", size, nblocks)
	}
	raw := make([]byte, 4*nblocks)
	if _, err := t.r.ReadAt(raw, tableEnd); err != nil {
		return t.wrapf(err, "read block offsets")
	}

	t.offsets = make([]uint32, nblocks)
	var prev uint32
	for i := range t.offsets {
		off := binary.BigEndian.Uint32(raw[4*i:])
		if off < prev+4 {
			return t.corruptf("bad offset %d of block %d", off, i)
		}
		t.offsets[i], prev = off, off
	}
	if t.base+int64(prev) != tableEnd {
		return t.corruptf("blocks end at %d, expected %d", t.base+int64(prev), tableEnd)
	}

	// read dictionaries
	keyDict := make([]byte, meta.KeyDictLen)
	valueDict := make([]byte, meta.ValueDictLen)
	if _, err := t.r.ReadAt(keyDict, 0); err != nil {
		return t.wrapf(err, "read key dictionary")
	}
	if _, err := t.r.ReadAt(valueDict, int64(meta.KeyDictLen)); err != nil {
		return t.wrapf(err, "read value dictionary")
	}

	var err error
	if t.keyDec, err = newDecoder(t.o.Compression, keyDict); err != nil {
		return t.wrapCorrupt(err, "key dictionary")
	}
	if t.valueDec, err = newDecoder(t.o.Compression, valueDict); err != nil {
		return t.wrapCorrupt(err, "value dictionary")
	}

	// parse index block
	block, err := t.readBlock(uint16(nblocks-1), t.keyDec)
	if err != nil {
		return err
	}
	if len(block) < 5 || block[0] != blockTypeIndex {
		return t.corruptf("bad index block")
	}
	n := int(binary.BigEndian.Uint32(block[1:]))
	if len(block) != 5+n*indexEntrySize {
		return t.corruptf("index block of %d bytes for %d entries", len(block), n)
	}
	t.index = make([]indexEntry, n)
	for i := range t.index {
		p := block[5+i*indexEntrySize:]
		t.index[i] = indexEntry{
			Hash:  binary.BigEndian.Uint64(p),
			Block: binary.BigEndian.Uint16(p[8:]),
		}
	}
	return nil
}

// Sequence returns the sequence number.
func (t *Table) Sequence() uint32 { return t.seq }

// NumBlocks returns the number of stored blocks.
func (t *Table) NumBlocks() int { return len(t.offsets) }

// NumKeyBlocks returns the number of key blocks.
func (t *Table) NumKeyBlocks() int { return len(t.index) }

// Lookup retrieves the entry for a hash and key. Only the kinds NotFound,
// Found, Deleted and Blob are returned.
func (t *Table) Lookup(hash uint64, key []byte) (LookupResult, error) {
	pos := sort.Search(len(t.index), func(i int) bool {
		return t.index[i].Hash > hash
	}) - 1
	if pos < 0 {
		return LookupResult{Kind: NotFound}, nil
	}

	kb, err := t.keyBlock(t.index[pos].Block)
	if err != nil {
		return LookupResult{}, err
	}

	for i := kb.Seek(hash); i < kb.Len() && kb.Hash(i) == hash; i++ {
		ent, err := kb.Entry(i)
		if err != nil {
			return LookupResult{}, t.wrapCorrupt(err, "key block")
		}
		if bytes.Equal(ent.key, key) {
			return t.resolve(&ent)
		}
	}
	return LookupResult{Kind: NotFound}, nil
}

// Get returns the value of a small or medium entry. It returns ErrNotFound
// for absent and deleted keys.
func (t *Table) Get(hash uint64, key []byte) ([]byte, error) {
	res, err := t.Lookup(hash, key)
	if err != nil {
		return nil, err
	}
	if res.Kind != Found {
		return nil, ErrNotFound
	}
	return res.Value, nil
}

// Iter returns an iterator over all entries in ascending hash order.
func (t *Table) Iter() *Iterator {
	return &Iterator{t: t, kpos: -1}
}

// Close releases the table. It must not be used after this method is called.
func (t *Table) Close() error {
	if t.keyDec != nil {
		t.keyDec.Close()
	}
	if t.valueDec != nil {
		t.valueDec.Close()
	}
	if t.o.BlockCache != nil {
		t.o.BlockCache.evict(t.seq)
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

func (t *Table) resolve(ent *keyEntry) (LookupResult, error) {
	switch ent.kind {
	case ValueSmall:
		block, err := t.readBlock(ent.ref.block, t.valueDec)
		if err != nil {
			return LookupResult{}, err
		}
		end := uint64(ent.ref.offset) + uint64(ent.ref.size)
		if end > uint64(len(block)) {
			return LookupResult{}, t.corruptf("value at %d+%d outside block %d", ent.ref.offset, ent.ref.size, ent.ref.block)
		}
		return LookupResult{Kind: Found, Value: append([]byte(nil), block[ent.ref.offset:end]...)}, nil
	case ValueMedium:
		block, err := t.readBlock(ent.ref.block, t.valueDec)
		if err != nil {
			return LookupResult{}, err
		}
		return LookupResult{Kind: Found, Value: append([]byte(nil), block...)}, nil
	case ValueLarge:
		return LookupResult{Kind: Blob, Blob: ent.blob}, nil
	default:
		return LookupResult{Kind: Deleted}, nil
	}
}

func (t *Table) keyBlock(pos uint16) (keyBlock, error) {
	block, err := t.readBlock(pos, t.keyDec)
	if err != nil {
		return keyBlock{}, err
	}
	kb, err := parseKeyBlock(block)
	if err != nil {
		return keyBlock{}, t.wrapCorrupt(err, "key block")
	}
	return kb, nil
}

// readBlock returns the uncompressed contents of a block. The result must
// not be modified.
func (t *Table) readBlock(pos uint16, dec decoder) ([]byte, error) {
	if t.o.BlockCache != nil {
		return t.o.BlockCache.get(t.seq, pos, func() ([]byte, error) {
			return t.loadBlock(pos, dec)
		})
	}
	return t.loadBlock(pos, dec)
}

func (t *Table) loadBlock(pos uint16, dec decoder) ([]byte, error) {
	if int(pos) >= len(t.offsets) {
		return nil, t.corruptf("block %d out of range", pos)
	}

	var min uint32
	if pos > 0 {
		min = t.offsets[pos-1]
	}
	max := t.offsets[pos]

	raw := fetchBuffer(int(max - min))
	defer releaseBuffer(raw)

	if _, err := t.r.ReadAt(raw, t.base+int64(min)); err != nil {
		return nil, t.wrapf(err, "read block %d", pos)
	}

	size := binary.BigEndian.Uint32(raw)
	if size > maxBlockSize {
		return nil, t.corruptf("block %d claims %d bytes", pos, size)
	}
	plain, err := dec.Decode(make([]byte, 0, size), raw[4:])
	if err != nil {
		return nil, t.wrapCorrupt(err, "decode block")
	}
	if uint32(len(plain)) != size {
		return nil, t.corruptf("block %d decoded to %d bytes, expected %d", pos, len(plain), size)
	}
	return plain, nil
}

func (t *Table) corruptf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorrupt, "table %08d: "+format, append([]interface{}{t.seq}, args...)...)
}

func (t *Table) wrapCorrupt(err error, what string) error {
	return errors.WithSecondaryError(errors.Wrapf(ErrCorrupt, "table %08d: %s: %v", t.seq, what, err), err)
}

func (t *Table) wrapf(err error, what string) error {
	return errors.Wrapf(err, "snstore: table %08d: %s", t.seq, what)
}

// --------------------------------------------------------------------

// keyBlock reads a single key block.
type keyBlock struct {
	data  []byte // entries
	offs  []byte // entry offsets
	count int
}

type keyEntry struct {
	hash uint64
	kind ValueKind
	key  []byte
	ref  valueRef
	blob uint32
}

func parseKeyBlock(b []byte) (keyBlock, error) {
	if len(b) < 5 || b[0] != blockTypeKey {
		return keyBlock{}, errors.New("bad key block header")
	}

	count := int(binary.BigEndian.Uint32(b[1:]))
	hdr := 5 + 4*count
	if count < 1 || hdr > len(b) {
		return keyBlock{}, errors.Newf("bad key block entry count %d", count)
	}

	kb := keyBlock{data: b[hdr:], offs: b[5:hdr], count: count}
	for i := 0; i < count; i++ {
		if off := kb.offset(i); off+9 > len(kb.data) {
			return keyBlock{}, errors.Newf("entry %d at %d outside key block", i, off)
		}
	}
	return kb, nil
}

// Len returns the number of entries.
func (b keyBlock) Len() int { return b.count }

// Hash returns the hash of the i-th entry.
func (b keyBlock) Hash(i int) uint64 {
	return binary.BigEndian.Uint64(b.data[b.offset(i):])
}

// Seek returns the position of the first entry with a hash >= hash.
func (b keyBlock) Seek(hash uint64) int {
	return sort.Search(b.count, func(i int) bool { return b.Hash(i) >= hash })
}

// Entry decodes the i-th entry.
func (b keyBlock) Entry(i int) (keyEntry, error) {
	p := b.data[b.offset(i):]
	ent := keyEntry{
		hash: binary.BigEndian.Uint64(p),
		kind: ValueKind(p[8]),
	}
	p = p[9:]

	klen, n := binary.Uvarint(p)
	if n <= 0 || klen > uint64(len(p)-n) {
		return ent, errors.Newf("bad key length in entry %d", i)
	}
	ent.key, p = p[n:n+int(klen)], p[n+int(klen):]

	switch ent.kind {
	case ValueSmall:
		if len(p) < 10 {
			return ent, errors.Newf("truncated small value reference in entry %d", i)
		}
		ent.ref = valueRef{
			block:  binary.BigEndian.Uint16(p),
			offset: binary.BigEndian.Uint32(p[2:]),
			size:   binary.BigEndian.Uint32(p[6:]),
		}
	case ValueMedium:
		if len(p) < 2 {
			return ent, errors.Newf("truncated medium value reference in entry %d", i)
		}
		ent.ref = valueRef{block: binary.BigEndian.Uint16(p)}
	case ValueLarge:
		if len(p) < 4 {
			return ent, errors.Newf("truncated blob reference in entry %d", i)
		}
		ent.blob = binary.BigEndian.Uint32(p)
	case ValueDeleted:
	default:
		return ent, errors.Newf("bad value kind %d in entry %d", ent.kind, i)
	}
	return ent, nil
}

func (b keyBlock) offset(i int) int {
	return int(binary.BigEndian.Uint32(b.offs[4*i:]))
}

// --------------------------------------------------------------------

// Iterator iterates over the entries of a table.
type Iterator struct {
	t    *Table
	kpos int      // position in the table index
	kb   keyBlock // current key block
	epos int      // position in the current key block

	ent Entry
	err error
}

// Next advances the cursor to the next entry and returns true if successful.
func (i *Iterator) Next() bool {
	if i.err != nil {
		return false
	}

	for i.kpos < 0 || i.epos+1 >= i.kb.Len() {
		if i.kpos+1 >= len(i.t.index) {
			return false
		}
		i.kpos++
		if i.kb, i.err = i.t.keyBlock(i.t.index[i.kpos].Block); i.err != nil {
			return false
		}
		i.epos = -1
	}
	i.epos++

	ke, err := i.kb.Entry(i.epos)
	if err != nil {
		i.err = i.t.wrapCorrupt(err, "key block")
		return false
	}

	res, err := i.t.resolve(&ke)
	if err != nil {
		i.err = err
		return false
	}

	i.ent = Entry{Hash: ke.hash, Key: append([]byte(nil), ke.key...)}
	switch res.Kind {
	case Found:
		i.ent.Value = Value{Kind: ke.kind, Data: res.Value}
	case Blob:
		i.ent.Value = Value{Kind: ValueLarge, Blob: res.Blob}
	default:
		i.ent.Value = Value{Kind: ValueDeleted}
	}
	return true
}

// Entry returns the current entry.
func (i *Iterator) Entry() Entry { return i.ent }

// Err exposes iterator errors, if any.
func (i *Iterator) Err() error {
	if i.err == errReleased {
		return nil
	}
	return i.err
}

// Release releases the iterator. The iterator must not be used
// after this method is called.
func (i *Iterator) Release() {
	i.kb = keyBlock{}
	i.ent = Entry{}
	if i.err == nil {
		i.err = errReleased
	}
}

var errReleased = errors.New("snstore: iterator was released")

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
