package snstore_test

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bsm/snstore"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("MetaWriter", func() {
	It("should encode", func() {
		meta := &snstore.TableMeta{
			MinHash:      1,
			MaxHash:      2,
			Size:         3,
			KeyDictLen:   4,
			ValueDictLen: 5,
			BlockCount:   6,
			Filter:       []byte("FILTER"),
		}

		buf := new(bytes.Buffer)
		w := snstore.NewMetaWriter(buf, 7)
		Expect(w.Add(8, meta)).To(Succeed())
		w.Obsolete(9)
		Expect(w.Close()).To(Succeed())
		Expect(buf.Bytes()).To(Equal([]byte{
			0xFE, 0x4A, 0xDA, 0x4A, // magic
			0, 0, 0, 7, // family
			0, 0, 0, 1, 0, 0, 0, 9, // obsolete
			0, 0, 0, 1, // entry count
			0, 0, 0, 8, // sequence
			0, 4, 0, 5, 0, 6, // dicts, blocks
			0, 0, 0, 0, 0, 0, 0, 1, // min
			0, 0, 0, 0, 0, 0, 0, 2, // max
			0, 0, 0, 0, 0, 0, 0, 3, // size
			0, 0, 0, 6, // filter end
			'F', 'I', 'L', 'T', 'E', 'R',
		}))

		Expect(w.Add(9, meta)).To(MatchError(snstore.ErrClosed))
		Expect(w.Close()).To(MatchError(snstore.ErrClosed))
	})
})

var _ = Describe("MetaFile", func() {
	var dir string
	var opt *snstore.Options
	var opened int32
	var subject *snstore.MetaFile

	const family = 7

	key := func(hash uint64) []byte { return []byte(fmt.Sprintf("k-%d", hash)) }

	// Table 1 holds hashes 0..990, table 2 (newer) holds hashes 500..1500,
	// shadowing table 1 and deleting every hundredth hash.
	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "snstore-test")
		Expect(err).NotTo(HaveOccurred())

		atomic.StoreInt32(&opened, 0)
		opt = &snstore.Options{
			Logger:      discard{},
			OnTableOpen: func(uint32) { atomic.AddInt32(&opened, 1) },
		}

		var older, newer []snstore.Entry
		for h := uint64(0); h <= 990; h += 10 {
			older = append(older, snstore.Entry{Hash: h, Key: key(h), Value: snstore.ClassifyValue([]byte(fmt.Sprintf("old-%d", h)))})
		}
		for h := uint64(500); h <= 1500; h += 10 {
			val := snstore.ClassifyValue([]byte(fmt.Sprintf("new-%d", h)))
			if h%100 == 0 {
				val = snstore.Value{Kind: snstore.ValueDeleted}
			} else if h%70 == 0 {
				val = snstore.Value{Kind: snstore.ValueLarge, Blob: uint32(h)}
			}
			newer = append(newer, snstore.Entry{Hash: h, Key: key(h), Value: val})
		}

		m1, err := snstore.WriteTable(dir, 1, older, opt)
		Expect(err).NotTo(HaveOccurred())
		m2, err := snstore.WriteTable(dir, 2, newer, opt)
		Expect(err).NotTo(HaveOccurred())

		Expect(snstore.WriteMetaFile(dir, 3, family, []snstore.MetaTable{
			{Sequence: 1, Meta: m1},
			{Sequence: 2, Meta: m2},
		}, []uint32{99})).To(Succeed())

		subject, err = snstore.OpenMetaFile(dir, 3, opt)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(subject.Close()).To(Succeed())
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	lookup := func(hash uint64, key []byte) snstore.LookupResult {
		res, err := subject.Lookup(family, hash, key)
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	It("should open", func() {
		Expect(subject.Sequence()).To(Equal(uint32(3)))
		Expect(subject.Family()).To(Equal(uint32(family)))
		Expect(subject.Obsolete()).To(Equal([]uint32{99}))
		Expect(subject.Entries()).To(HaveLen(2))

		e := subject.Entries()[1]
		Expect(e.Sequence()).To(Equal(uint32(2)))
		min, max := e.Range()
		Expect(min).To(Equal(uint64(500)))
		Expect(max).To(Equal(uint64(1500)))

		fi, err := os.Stat(filepath.Join(dir, "00000002.sst"))
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Size()).To(Equal(uint64(fi.Size())))
		Expect(atomic.LoadInt32(&opened)).To(BeZero())
	})

	It("should look up entries, newest first", func() {
		Expect(lookup(10, key(10))).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("old-10")}))
		Expect(lookup(510, key(510))).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("new-510")}))
		Expect(lookup(1210, key(1210))).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("new-1210")}))
		Expect(lookup(700, key(700))).To(Equal(snstore.LookupResult{Kind: snstore.Deleted}))
		Expect(lookup(1400, key(1400))).To(Equal(snstore.LookupResult{Kind: snstore.Deleted}))
		Expect(lookup(630, key(630))).To(Equal(snstore.LookupResult{Kind: snstore.Blob, Blob: 630}))
	})

	It("should report family misses without opening tables", func() {
		res, err := subject.Lookup(family+1, 10, key(10))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Kind).To(Equal(snstore.FamilyMiss))
		Expect(atomic.LoadInt32(&opened)).To(BeZero())
	})

	It("should report range misses without opening tables", func() {
		Expect(lookup(1501, key(1501)).Kind).To(Equal(snstore.RangeMiss))
		Expect(lookup(math.MaxUint64, key(0)).Kind).To(Equal(snstore.RangeMiss))
		Expect(atomic.LoadInt32(&opened)).To(BeZero())
	})

	It("should report filter misses without opening tables", func() {
		entries := subject.Entries()
		rejected := func(hash uint64) bool {
			for _, e := range entries {
				if min, max := e.Range(); hash < min || hash > max {
					continue
				}
				f, err := e.Filter()
				Expect(err).NotTo(HaveOccurred())
				if f.ContainsFingerprint(hash) {
					return false
				}
			}
			return true
		}

		var n int
		for h := uint64(1); h < 1500; h += 10 {
			if !rejected(h) {
				continue
			}
			Expect(lookup(h, key(h)).Kind).To(Equal(snstore.QuickFilterMiss), "for %d", h)
			n++
		}
		Expect(n).To(BeNumerically(">", 100))
		Expect(atomic.LoadInt32(&opened)).To(BeZero())
	})

	It("should report not found after reading tables", func() {
		Expect(lookup(10, []byte("other")).Kind).To(Equal(snstore.NotFound))
		Expect(lookup(510, []byte("other")).Kind).To(Equal(snstore.NotFound))
		Expect(atomic.LoadInt32(&opened)).To(Equal(int32(2)))
	})

	It("should open tables at most once", func() {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				for h := uint64(0); h <= 1500; h += 10 {
					res, err := subject.Lookup(family, h, key(h))
					Expect(err).NotTo(HaveOccurred())
					Expect(res.Hit()).To(BeTrue())
				}
			}()
		}
		wg.Wait()
		Expect(atomic.LoadInt32(&opened)).To(Equal(int32(2)))
	})

	It("should retain entries", func() {
		subject.RetainEntries(func(e *snstore.MetaEntry) bool { return e.Sequence() != 2 })
		Expect(subject.Entries()).To(HaveLen(1))
		Expect(subject.Obsolete()).To(Equal([]uint32{99, 2}))

		Expect(lookup(510, key(510))).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("old-510")}))
		Expect(lookup(700, key(700))).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("old-700")}))
		Expect(lookup(1210, key(1210)).Kind).To(Equal(snstore.RangeMiss))
	})

	It("should compute metrics", func() {
		m := subject.Metrics()
		Expect(m.Coverage).To(BeNumerically(">", 0))
		Expect(m.Overlap).To(BeNumerically(">", 0))
		Expect(m.DuplicatedSize).To(BeNumerically(">", 0))
	})

	It("should share filter caches", func() {
		cache := snstore.NewFilterCache(1 << 20)
		defer cache.Close()

		o := *opt
		o.FilterCache = cache
		m1, err := snstore.OpenMetaFile(dir, 3, &o)
		Expect(err).NotTo(HaveOccurred())
		defer m1.Close()
		m2, err := snstore.OpenMetaFile(dir, 3, &o)
		Expect(err).NotTo(HaveOccurred())
		defer m2.Close()

		f1, err := m1.Entries()[0].Filter()
		Expect(err).NotTo(HaveOccurred())
		f2, err := m2.Entries()[0].Filter()
		Expect(err).NotTo(HaveOccurred())
		Expect(f1).To(BeIdenticalTo(f2))
	})

	It("should keep filters of wide tables private", func() {
		entries := []snstore.Entry{
			{Hash: 1, Key: key(1), Value: snstore.ClassifyValue([]byte("lo"))},
			{Hash: math.MaxUint64 - 1, Key: key(2), Value: snstore.ClassifyValue([]byte("hi"))},
		}
		meta, err := snstore.WriteTable(dir, 4, entries, opt)
		Expect(err).NotTo(HaveOccurred())
		Expect(snstore.WriteMetaFile(dir, 5, family, []snstore.MetaTable{{Sequence: 4, Meta: meta}}, nil)).To(Succeed())

		cache := snstore.NewFilterCache(1 << 20)
		defer cache.Close()

		o := *opt
		o.FilterCache = cache
		m1, err := snstore.OpenMetaFile(dir, 5, &o)
		Expect(err).NotTo(HaveOccurred())
		defer m1.Close()
		m2, err := snstore.OpenMetaFile(dir, 5, &o)
		Expect(err).NotTo(HaveOccurred())
		defer m2.Close()

		f1, err := m1.Entries()[0].Filter()
		Expect(err).NotTo(HaveOccurred())
		f2, err := m2.Entries()[0].Filter()
		Expect(err).NotTo(HaveOccurred())
		Expect(f1).NotTo(BeIdenticalTo(f2))

		res, err := m1.Lookup(family, math.MaxUint64-1, key(2))
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("hi")}))
	})

	It("should look up medium values", func() {
		medium := func(h uint64) []byte {
			return bytes.Repeat([]byte{byte(h)}, snstore.MaxSmallValueSize+100)
		}

		var entries []snstore.Entry
		for h := uint64(2000); h < 2100; h += 10 {
			val := snstore.ClassifyValue([]byte(fmt.Sprintf("small-%d", h)))
			if h%20 == 0 {
				val = snstore.ClassifyValue(medium(h))
				Expect(val.Kind).To(Equal(snstore.ValueMedium))
			}
			entries = append(entries, snstore.Entry{Hash: h, Key: key(h), Value: val})
		}
		meta, err := snstore.WriteTable(dir, 4, entries, opt)
		Expect(err).NotTo(HaveOccurred())
		Expect(snstore.WriteMetaFile(dir, 5, family, []snstore.MetaTable{{Sequence: 4, Meta: meta}}, nil)).To(Succeed())

		m, err := snstore.OpenMetaFile(dir, 5, opt)
		Expect(err).NotTo(HaveOccurred())
		defer m.Close()

		for h := uint64(2000); h < 2100; h += 10 {
			exp := []byte(fmt.Sprintf("small-%d", h))
			if h%20 == 0 {
				exp = medium(h)
			}
			res, err := m.Lookup(family, h, key(h))
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: exp}), "for %d", h)
		}
	})

	It("should close tables of removed entries", func() {
		e := subject.Entries()[1]
		_, err := e.Table()
		Expect(err).NotTo(HaveOccurred())

		subject.RetainEntries(func(e *snstore.MetaEntry) bool { return e.Sequence() != 2 })
		_, err = e.Table()
		Expect(err).To(MatchError(snstore.ErrClosed))
	})

	It("should reject corrupt filters on lookup", func() {
		data, err := os.ReadFile(filepath.Join(dir, "00000003.meta"))
		Expect(err).NotTo(HaveOccurred())

		// header, one obsolete sequence, two entries; the filter of table 1 comes first
		region := 16 + 4 + 2*38
		data[region] = 0xFF
		Expect(os.WriteFile(filepath.Join(dir, "00000020.meta"), data, 0o644)).To(Succeed())

		m, err := snstore.OpenMetaFile(dir, 20, opt)
		Expect(err).NotTo(HaveOccurred())
		defer m.Close()

		_, err = m.Lookup(family, 10, key(10))
		Expect(err).To(MatchError(snstore.ErrCorrupt))
		_, err = m.Lookup(family, 10, key(10))
		Expect(err).To(MatchError(snstore.ErrCorrupt))

		res, err := m.Lookup(family, 510, key(510))
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("new-510")}))
	})

	It("should reject corrupt files", func() {
		Expect(os.WriteFile(filepath.Join(dir, "00000010.meta"), []byte("\x00\x00\x00\x00\x00\x00\x00\x07\x00\x00\x00\x00\x00\x00\x00\x00"), 0o644)).To(Succeed())
		_, err := snstore.OpenMetaFile(dir, 10, opt)
		Expect(err).To(MatchError(snstore.ErrCorrupt))

		Expect(os.WriteFile(filepath.Join(dir, "00000011.meta"), []byte("\xFE\x4A\xDA\x4A\x00\x00\x00\x07\x00\x00\x00\x00\x00\x00\x00\x02"), 0o644)).To(Succeed())
		_, err = snstore.OpenMetaFile(dir, 11, opt)
		Expect(err).To(MatchError(snstore.ErrCorrupt))

		Expect(os.WriteFile(filepath.Join(dir, "00000012.meta"), []byte("\xFE\x4A\xDA\x4A"), 0o644)).To(Succeed())
		_, err = snstore.OpenMetaFile(dir, 12, opt)
		Expect(err).To(MatchError(snstore.ErrCorrupt))

		_, err = snstore.OpenMetaFile(dir, 13, opt)
		Expect(err).To(MatchError(os.ErrNotExist))
	})
})
