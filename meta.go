package snstore

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/bsm/snstore/amqf"
	"github.com/bsm/snstore/compact"
	"github.com/bsm/snstore/intervalmap"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/mmap"
)

// MetaFile lists the tables of a key family and answers lookups across them.
// It is safe for concurrent use.
type MetaFile struct {
	dir    string
	seq    uint32
	family uint32
	o      *Options

	r      *mmap.ReaderAt
	region int64 // offset of the filter region

	filters     *FilterCache
	ownsFilters bool

	mu       sync.RWMutex
	entries  []*MetaEntry // oldest first
	obsolete []uint32
}

// OpenMetaFile opens a meta file in dir.
func OpenMetaFile(dir string, seq uint32, o *Options) (*MetaFile, error) {
	r, err := mmap.Open(metaPath(dir, seq))
	if err != nil {
		return nil, errors.Wrapf(err, "snstore: open meta %08d", seq)
	}

	m := &MetaFile{
		dir: dir,
		seq: seq,
		o:   o.norm(),
		r:   r,
	}
	if err := m.init(); err != nil {
		_ = r.Close()
		return nil, err
	}

	if m.filters = m.o.FilterCache; m.filters == nil {
		m.filters = NewFilterCache(DefaultFilterCacheCapacity)
		m.ownsFilters = true
	}

	m.o.Logger.Infof("snstore: opened meta %08d (family %d, %d tables, %d obsolete)", seq, m.family, len(m.entries), len(m.obsolete))
	return m, nil
}

func (m *MetaFile) init() error {
	size := int64(m.r.Len())
	buf := make([]byte, 12)
	if size < 16 {
		return m.corruptf("truncated header")
	}
	if _, err := m.r.ReadAt(buf, 0); err != nil {
		return m.wrapf(err, "read header")
	}
	if magic := binary.BigEndian.Uint32(buf); magic != metaMagic {
		return m.corruptf("bad magic %08x", magic)
	}
	m.family = binary.BigEndian.Uint32(buf[4:])

	pos := int64(12)
	nobs := int64(binary.BigEndian.Uint32(buf[8:]))
	if pos+4*nobs+4 > size {
		return m.corruptf("truncated obsolete list of %d entries", nobs)
	}
	buf = make([]byte, 4*nobs+4)
	if _, err := m.r.ReadAt(buf, pos); err != nil {
		return m.wrapf(err, "read obsolete list")
	}
	m.obsolete = make([]uint32, nobs)
	for i := range m.obsolete {
		m.obsolete[i] = binary.BigEndian.Uint32(buf[4*i:])
	}
	pos += 4*nobs + 4

	n := int64(binary.BigEndian.Uint32(buf[4*nobs:]))
	if pos+n*metaEntrySize > size {
		return m.corruptf("truncated entry list of %d entries", n)
	}
	buf = make([]byte, n*metaEntrySize)
	if _, err := m.r.ReadAt(buf, pos); err != nil {
		return m.wrapf(err, "read entries")
	}
	m.region = pos + n*metaEntrySize

	wide := uint64(math.MaxUint64) >> m.o.WideRangeShift
	m.entries = make([]*MetaEntry, n)

	var start uint32
	for i := range m.entries {
		p := buf[i*metaEntrySize:]
		e := &MetaEntry{
			m:   m,
			seq: binary.BigEndian.Uint32(p),
			meta: TableMeta{
				KeyDictLen:   binary.BigEndian.Uint16(p[4:]),
				ValueDictLen: binary.BigEndian.Uint16(p[6:]),
				BlockCount:   binary.BigEndian.Uint16(p[8:]),
				MinHash:      binary.BigEndian.Uint64(p[10:]),
				MaxHash:      binary.BigEndian.Uint64(p[18:]),
				Size:         binary.BigEndian.Uint64(p[26:]),
			},
			filterStart: start,
			filterEnd:   binary.BigEndian.Uint32(p[34:]),
		}
		if e.filterEnd < start || m.region+int64(e.filterEnd) > size {
			return m.corruptf("bad filter offset %d of table %08d", e.filterEnd, e.seq)
		}
		start = e.filterEnd

		if e.meta.MinHash <= e.meta.MaxHash && e.meta.MaxHash-e.meta.MinHash > wide {
			e.private = sync.OnceValues(e.loadFilter)
		}
		m.entries[i] = e
	}
	return nil
}

// Sequence returns the sequence number of the meta file.
func (m *MetaFile) Sequence() uint32 { return m.seq }

// Family returns the key family.
func (m *MetaFile) Family() uint32 { return m.family }

// Entries returns the live entries, oldest first.
func (m *MetaFile) Entries() []*MetaEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]*MetaEntry(nil), m.entries...)
}

// Obsolete returns the sequence numbers of obsolete files.
func (m *MetaFile) Obsolete() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]uint32(nil), m.obsolete...)
}

// Lookup looks up a key. Tables are consulted newest first and the
// lookup stops at the first entry found, tombstones included. When no entry
// is found, the result reports the furthest stage any table reached.
func (m *MetaFile) Lookup(family uint32, hash uint64, key []byte) (LookupResult, error) {
	if family != m.family {
		return LookupResult{Kind: FamilyMiss}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	miss := RangeMiss
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if hash < e.meta.MinHash || hash > e.meta.MaxHash {
			continue
		}

		f, err := e.Filter()
		if err != nil {
			return LookupResult{}, err
		}
		if !f.ContainsFingerprint(hash) {
			miss = max(miss, QuickFilterMiss)
			continue
		}

		t, err := e.openTable()
		if err != nil {
			return LookupResult{}, err
		}
		res, err := t.Lookup(hash, key)
		if err != nil {
			return LookupResult{}, err
		}
		if res.Kind != NotFound {
			return res, nil
		}
		miss = NotFound
	}
	return LookupResult{Kind: miss}, nil
}

// RetainEntries removes all entries for which keep returns false and adds
// their sequence numbers to the obsolete list. Table files are not deleted.
func (m *MetaFile) RetainEntries(keep func(*MetaEntry) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if keep(e) {
			kept = append(kept, e)
			continue
		}
		m.obsolete = append(m.obsolete, e.seq)
		e.release()
	}
	clear(m.entries[len(kept):])
	m.entries = kept
}

// Metrics computes compaction metrics over the live entries.
func (m *MetaFile) Metrics() compact.Metrics {
	entries := m.Entries()
	files := make([]compact.Compactable, len(entries))
	for i, e := range entries {
		files[i] = e
	}
	return compact.ComputeMetrics(files, intervalmap.Interval[uint64]{Start: 0, End: math.MaxUint64})
}

// Close releases all resources. Tables opened by lookups are closed too.
func (m *MetaFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		e.release()
	}
	m.entries = nil

	if m.ownsFilters {
		_ = m.filters.Close()
	}
	return m.r.Close()
}

func (m *MetaFile) corruptf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorrupt, "meta %08d: "+format, append([]interface{}{m.seq}, args...)...)
}

func (m *MetaFile) wrapf(err error, what string) error {
	return errors.Wrapf(err, "snstore: meta %08d: %s", m.seq, what)
}

// --------------------------------------------------------------------

// MetaEntry describes a table listed in a meta file. The table and its
// filter are loaded on first use.
type MetaEntry struct {
	m    *MetaFile
	seq  uint32
	meta TableMeta

	filterStart, filterEnd uint32

	private func() (*amqf.Filter, error) // set for wide tables only

	once  sync.Once
	table *Table
	err   error
}

// Sequence returns the table sequence number.
func (e *MetaEntry) Sequence() uint32 { return e.seq }

// Range implements compact.Compactable.
func (e *MetaEntry) Range() (uint64, uint64) { return e.meta.MinHash, e.meta.MaxHash }

// Size implements compact.Compactable.
func (e *MetaEntry) Size() uint64 { return e.meta.Size }

// TableMeta returns the table metadata, including the serialized filter.
func (e *MetaEntry) TableMeta() (*TableMeta, error) {
	raw, err := e.filterBytes()
	if err != nil {
		return nil, err
	}

	meta := e.meta
	meta.Filter = raw
	return &meta, nil
}

// Filter returns the decoded filter.
func (e *MetaEntry) Filter() (*amqf.Filter, error) {
	if e.private != nil {
		return e.private()
	}
	return e.m.filters.get(e.seq, e.loadFilter)
}

// Table returns the opened table. Once the entry is removed by
// RetainEntries or the meta file is closed, Table returns ErrClosed and
// previously returned tables must no longer be used.
func (e *MetaEntry) Table() (*Table, error) {
	e.m.mu.RLock()
	defer e.m.mu.RUnlock()

	return e.openTable()
}

// openTable requires m.mu to be held.
func (e *MetaEntry) openTable() (*Table, error) {
	e.once.Do(func() {
		e.table, e.err = OpenTable(e.m.dir, e.seq, &e.meta, e.m.o)
	})
	return e.table, e.err
}

func (e *MetaEntry) filterBytes() ([]byte, error) {
	raw := make([]byte, e.filterEnd-e.filterStart)
	if _, err := e.m.r.ReadAt(raw, e.m.region+int64(e.filterStart)); err != nil {
		return nil, e.m.wrapf(err, "read filter")
	}
	return raw, nil
}

func (e *MetaEntry) loadFilter() (*amqf.Filter, error) {
	raw, err := e.filterBytes()
	if err != nil {
		return nil, err
	}

	f, err := amqf.Unmarshal(raw)
	if err != nil {
		return nil, errors.WithSecondaryError(errors.Wrapf(ErrCorrupt, "meta %08d: filter of table %08d: %v", e.m.seq, e.seq, err), err)
	}
	return f, nil
}

// release closes the table, if opened, and evicts the filter. It requires
// m.mu to be held exclusively.
func (e *MetaEntry) release() {
	e.once.Do(func() {})
	if e.table != nil {
		if err := e.table.Close(); err != nil {
			e.m.o.Logger.Errorf("snstore: close table %08d: %v", e.seq, err)
		}
	}
	e.table, e.err = nil, errors.Wrapf(ErrClosed, "table %08d", e.seq)

	if e.private == nil {
		e.m.filters.Evict(e.seq)
	}
}
