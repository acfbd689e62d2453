package snstore

import (
	"bytes"
	"cmp"
	"os"
	"slices"

	"github.com/bsm/snstore/compact"
	"github.com/cockroachdb/errors"
)

// CompactionResult describes an executed compaction.
type CompactionResult struct {
	Meta     uint32   // sequence number of the new meta file
	Tables   []uint32 // sequence numbers of the new tables
	Obsolete []uint32 // sequence numbers of files which can be deleted once unused
}

// Compact plans merge jobs for the tables of m and executes them. Merged
// tables are rewritten into new tables, keeping only the newest entry per key.
// A new meta file is written, listing the untouched tables followed by the
// job outputs, and marking the replaced tables, m itself and the files m
// already marked as obsolete.
//
// The next function must return unused sequence numbers. Compact returns nil
// if there is nothing to do. m is not modified and can serve lookups until
// the new meta file replaces it. RetainEntries and Close block until Compact
// returns. Tables written by a failed run are removed again.
func Compact(m *MetaFile, cfg *compact.Config, next func() uint32) (*CompactionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.entries
	files := make([]compact.Compactable, len(entries))
	for i, e := range entries {
		files[i] = e
	}

	plan := compact.MergeSegments(files, cfg)
	if len(plan) == 0 {
		return nil, nil
	}

	res := new(CompactionResult)
	if err := compactInto(res, m, entries, plan, next); err != nil {
		for _, seq := range res.Tables {
			if rerr := os.Remove(tablePath(m.dir, seq)); rerr != nil {
				m.o.Logger.Errorf("snstore: remove table %08d: %v", seq, rerr)
			}
		}
		return nil, err
	}
	return res, nil
}

// compactInto executes plan, recording written tables in res as it goes.
func compactInto(res *CompactionResult, m *MetaFile, entries []*MetaEntry, plan [][]int, next func() uint32) error {
	planned := make([]bool, len(entries))
	for _, segment := range plan {
		for _, i := range segment {
			planned[i] = true
		}
	}

	var err error
	tables := make([]MetaTable, 0, len(entries))
	for i, e := range entries {
		if planned[i] {
			continue
		}
		if tables, err = appendMetaTable(tables, e); err != nil {
			return err
		}
	}

	merged := 0
	for _, segment := range plan {
		if len(segment) == 1 {
			if tables, err = appendMetaTable(tables, entries[segment[0]]); err != nil {
				return err
			}
			continue
		}

		inputs := make([]*MetaEntry, 0, len(segment))
		for _, i := range segment {
			inputs = append(inputs, entries[i])
			res.Obsolete = append(res.Obsolete, entries[i].seq)
		}

		seq := next()
		meta, err := mergeTables(m, seq, inputs)
		if err != nil {
			return err
		}
		res.Tables = append(res.Tables, seq)
		tables = append(tables, MetaTable{Sequence: seq, Meta: meta})
		merged += len(segment)
	}

	res.Obsolete = append(res.Obsolete, m.seq)
	res.Obsolete = append(res.Obsolete, m.obsolete...)
	res.Meta = next()
	if err := WriteMetaFile(m.dir, res.Meta, m.family, tables, res.Obsolete); err != nil {
		return err
	}

	m.o.Logger.Infof("snstore: compacted meta %08d into %08d: merged %d tables into %d, %d tables listed",
		m.seq, res.Meta, merged, len(res.Tables), len(tables))
	return nil
}

func appendMetaTable(dst []MetaTable, e *MetaEntry) ([]MetaTable, error) {
	meta, err := e.TableMeta()
	if err != nil {
		return dst, err
	}
	return append(dst, MetaTable{Sequence: e.seq, Meta: meta}), nil
}

// mergeTables writes the entries of inputs, given oldest first, into a new
// table. Newer entries shadow older ones with the same key, tombstones are
// kept as they may still shadow tables outside the merge.
func mergeTables(m *MetaFile, seq uint32, inputs []*MetaEntry) (*TableMeta, error) {
	type ranked struct {
		Entry
		rank int
	}

	var all []ranked
	for rank, e := range inputs {
		t, err := e.openTable()
		if err != nil {
			return nil, err
		}

		iter := t.Iter()
		for iter.Next() {
			all = append(all, ranked{Entry: iter.Entry(), rank: rank})
		}
		err = iter.Err()
		iter.Release()
		if err != nil {
			return nil, errors.Wrapf(err, "snstore: merge table %08d", e.seq)
		}
	}

	slices.SortFunc(all, func(a, b ranked) int {
		if c := cmp.Compare(a.Hash, b.Hash); c != 0 {
			return c
		}
		if c := bytes.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return cmp.Compare(b.rank, a.rank)
	})

	entries := make([]Entry, 0, len(all))
	for i, ent := range all {
		if i != 0 && ent.Hash == all[i-1].Hash && bytes.Equal(ent.Key, all[i-1].Key) {
			continue
		}
		entries = append(entries, ent.Entry)
	}
	return WriteTable(m.dir, seq, entries, m.o)
}
