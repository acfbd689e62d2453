package snstore_test

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/bsm/snstore"
	"github.com/bsm/snstore/compact"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Compact", func() {
	var dir string
	var opt *snstore.Options
	var subject *snstore.MetaFile
	var seq uint32

	const family = 3

	key := func(hash uint64) []byte { return []byte(fmt.Sprintf("k-%d", hash)) }

	next := func() uint32 {
		seq++
		return seq
	}

	cfg := &compact.Config{
		MinMergeCount:        2,
		OptimalMergeCount:    3,
		MaxMergeCount:        4,
		MaxMergeBytes:        math.MaxUint64,
		MaxMergeSegmentCount: math.MaxInt,
	}

	writeTable := func(tseq uint32, lo, hi, step uint64, fn func(uint64) snstore.Value) snstore.MetaTable {
		var entries []snstore.Entry
		for h := lo; h <= hi; h += step {
			entries = append(entries, snstore.Entry{Hash: h, Key: key(h), Value: fn(h)})
		}
		meta, err := snstore.WriteTable(dir, tseq, entries, opt)
		Expect(err).NotTo(HaveOccurred())
		return snstore.MetaTable{Sequence: tseq, Meta: meta}
	}

	valueOf := func(prefix string) func(uint64) snstore.Value {
		return func(h uint64) snstore.Value {
			return snstore.ClassifyValue([]byte(fmt.Sprintf("%s-%d", prefix, h)))
		}
	}

	// Tables 1, 2 and 4 overlap, table 3 is disjoint.
	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "snstore-test")
		Expect(err).NotTo(HaveOccurred())

		seq = 100
		opt = &snstore.Options{Logger: discard{}}

		tables := []snstore.MetaTable{
			writeTable(1, 0, 1000, 10, valueOf("v1")),
			writeTable(2, 0, 1000, 20, func(h uint64) snstore.Value {
				if h%200 == 0 {
					return snstore.Value{Kind: snstore.ValueDeleted}
				}
				return valueOf("v2")(h)
			}),
			writeTable(3, 5000, 6000, 10, valueOf("v3")),
			writeTable(4, 500, 700, 5, func(h uint64) snstore.Value {
				if h%25 == 0 {
					return snstore.Value{Kind: snstore.ValueLarge, Blob: uint32(h)}
				}
				return valueOf("v4")(h)
			}),
		}
		Expect(snstore.WriteMetaFile(dir, 10, family, tables, []uint32{9})).To(Succeed())

		subject, err = snstore.OpenMetaFile(dir, 10, opt)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(subject.Close()).To(Succeed())
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("should merge overlapping tables", func() {
		res, err := snstore.Compact(subject, cfg, next)
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(&snstore.CompactionResult{
			Meta:     102,
			Tables:   []uint32{101},
			Obsolete: []uint32{1, 2, 4, 10, 9},
		}))

		_, err = os.Stat(filepath.Join(dir, "00000101.sst"))
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.Entries()).To(HaveLen(4))

		compacted, err := snstore.OpenMetaFile(dir, res.Meta, opt)
		Expect(err).NotTo(HaveOccurred())
		defer compacted.Close()

		Expect(compacted.Family()).To(Equal(uint32(family)))
		Expect(compacted.Obsolete()).To(Equal(res.Obsolete))

		entries := compacted.Entries()
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Sequence()).To(Equal(uint32(3)))
		Expect(entries[1].Sequence()).To(Equal(uint32(101)))

		min, max := entries[1].Range()
		Expect(min).To(Equal(uint64(0)))
		Expect(max).To(Equal(uint64(1000)))
	})

	It("should preserve lookups", func() {
		res, err := snstore.Compact(subject, cfg, next)
		Expect(err).NotTo(HaveOccurred())

		compacted, err := snstore.OpenMetaFile(dir, res.Meta, opt)
		Expect(err).NotTo(HaveOccurred())
		defer compacted.Close()

		for h := uint64(0); h <= 6100; h += 5 {
			exp, err := subject.Lookup(family, h, key(h))
			Expect(err).NotTo(HaveOccurred())
			act, err := compacted.Lookup(family, h, key(h))
			Expect(err).NotTo(HaveOccurred())

			if exp.Hit() {
				Expect(act).To(Equal(exp), "for %d", h)
			} else {
				Expect(act.Hit()).To(BeFalse(), "for %d", h)
			}
		}

		Expect(compacted.Lookup(family, 200, key(200))).To(Equal(snstore.LookupResult{Kind: snstore.Deleted}))
		Expect(compacted.Lookup(family, 210, key(210))).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("v1-210")}))
		Expect(compacted.Lookup(family, 220, key(220))).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("v2-220")}))
		Expect(compacted.Lookup(family, 610, key(610))).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("v4-610")}))
		Expect(compacted.Lookup(family, 625, key(625))).To(Equal(snstore.LookupResult{Kind: snstore.Blob, Blob: 625}))
	})

	It("should reduce duplication", func() {
		res, err := snstore.Compact(subject, cfg, next)
		Expect(err).NotTo(HaveOccurred())

		compacted, err := snstore.OpenMetaFile(dir, res.Meta, opt)
		Expect(err).NotTo(HaveOccurred())
		defer compacted.Close()

		Expect(subject.Metrics().Overlap).To(BeNumerically(">", 0))
		Expect(compacted.Metrics().Overlap).To(BeZero())
	})

	It("should remove merged tables when the meta file cannot be written", func() {
		reused := []uint32{101, 10}
		res, err := snstore.Compact(subject, cfg, func() uint32 {
			seq := reused[0]
			reused = reused[1:]
			return seq
		})
		Expect(err).To(MatchError(os.ErrExist))
		Expect(res).To(BeNil())

		names, err := filepath.Glob(filepath.Join(dir, "*"))
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(ConsistOf(
			filepath.Join(dir, "00000001.sst"),
			filepath.Join(dir, "00000002.sst"),
			filepath.Join(dir, "00000003.sst"),
			filepath.Join(dir, "00000004.sst"),
			filepath.Join(dir, "00000010.meta"),
		))
	})

	It("should keep existing tables when merging fails", func() {
		res, err := snstore.Compact(subject, cfg, func() uint32 { return 1 })
		Expect(err).To(MatchError(os.ErrExist))
		Expect(res).To(BeNil())

		_, err = os.Stat(filepath.Join(dir, "00000001.sst"))
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.Lookup(family, 210, key(210))).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("v1-210")}))
	})

	It("should run alongside entry removal", func() {
		var wg sync.WaitGroup
		var res *snstore.CompactionResult
		var err error

		wg.Add(2)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()

			res, err = snstore.Compact(subject, cfg, next)
		}()
		go func() {
			defer GinkgoRecover()
			defer wg.Done()

			subject.RetainEntries(func(e *snstore.MetaEntry) bool { return e.Sequence() != 3 })
			Expect(subject.Lookup(family, 5010, key(5010))).To(Equal(snstore.LookupResult{Kind: snstore.RangeMiss}))
		}()
		wg.Wait()

		Expect(err).NotTo(HaveOccurred())
		Expect(res).NotTo(BeNil())
		Expect(res.Tables).To(Equal([]uint32{101}))
		Expect(subject.Entries()).To(HaveLen(3))

		compacted, err := snstore.OpenMetaFile(dir, res.Meta, opt)
		Expect(err).NotTo(HaveOccurred())
		defer compacted.Close()

		Expect(compacted.Lookup(family, 210, key(210))).To(Equal(snstore.LookupResult{Kind: snstore.Found, Value: []byte("v1-210")}))
		Expect(compacted.Lookup(family, 625, key(625))).To(Equal(snstore.LookupResult{Kind: snstore.Blob, Blob: 625}))
	})

	It("should skip when there is nothing to do", func() {
		strict := *cfg
		strict.MinMergeCount = 5
		strict.OptimalMergeCount = 5
		strict.MaxMergeCount = 5

		res, err := snstore.Compact(subject, &strict, next)
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(BeNil())
		Expect(seq).To(Equal(uint32(100)))
	})
})
