// Package compact plans compactions of static sorted files.
//
// Planning is pure: it looks at the key-hash ranges and sizes of a set of files
// in write order and decides which of them to merge. Executing the plan is up to
// the caller.
package compact

import (
	"math"

	"github.com/bsm/snstore/intervalmap"
)

// Compactable is a file that takes part in compaction planning.
type Compactable interface {
	// Range returns the inclusive key-hash range.
	Range() (min, max uint64)
	// Size returns the file size in bytes.
	Size() uint64
}

// Config configures the merge segment selection.
type Config struct {
	// MinMergeCount is the minimum number of files in a merge job.
	// Default: 2.
	MinMergeCount int

	// OptimalMergeCount is the number of files at which a job is considered
	// good enough to stop growing it.
	// Default: 8.
	OptimalMergeCount int

	// MaxMergeCount is the maximum number of files in a merge job.
	// Default: 32.
	MaxMergeCount int

	// MaxMergeBytes limits the total input size of a merge job.
	// Default: unlimited.
	MaxMergeBytes uint64

	// MinMergeDuplicationBytes is the minimum estimated number of duplicated
	// bytes a merge job must reclaim.
	MinMergeDuplicationBytes uint64

	// OptimalMergeDuplicationBytes is the estimated number of duplicated bytes at
	// which a job is considered good enough to stop growing it.
	OptimalMergeDuplicationBytes uint64

	// MaxMergeSegmentCount limits the number of merge jobs per plan.
	// Default: unlimited.
	MaxMergeSegmentCount int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MinMergeCount:                2,
		OptimalMergeCount:            8,
		MaxMergeCount:                32,
		MaxMergeBytes:                512 << 20,
		MinMergeDuplicationBytes:     1 << 20,
		OptimalMergeDuplicationBytes: 64 << 20,
		MaxMergeSegmentCount:         8,
	}
}

func (c *Config) norm() *Config {
	var cc Config
	if c != nil {
		cc = *c
	} else {
		cc = *DefaultConfig()
	}

	if cc.MinMergeCount < 2 {
		cc.MinMergeCount = 2
	}
	if cc.OptimalMergeCount < cc.MinMergeCount {
		cc.OptimalMergeCount = cc.MinMergeCount
	}
	if cc.MaxMergeCount < cc.OptimalMergeCount {
		cc.MaxMergeCount = cc.OptimalMergeCount
	}
	if cc.MaxMergeBytes == 0 {
		cc.MaxMergeBytes = math.MaxUint64
	}
	if cc.MaxMergeSegmentCount < 1 {
		cc.MaxMergeSegmentCount = math.MaxInt
	}
	return &cc
}

// --------------------------------------------------------------------

// Metrics describe the shape of a set of files.
type Metrics struct {
	// Coverage is the sum of all file spans relative to the full span.
	Coverage float64
	// Overlap is the span covered by more than one file, weighted by the
	// number of extra files, relative to the full span.
	Overlap float64
	// DuplicatedSize is the estimated number of bytes shadowed by files
	// sharing the same key range.
	DuplicatedSize uint64
	// Duplication is DuplicatedSize relative to the total size.
	Duplication float64
}

// ComputeMetrics computes metrics for files over the full range.
func ComputeMetrics(files []Compactable, full intervalmap.Interval[uint64]) Metrics {
	dups := intervalmap.New[uint64, density]()

	var spans, total float64
	for _, f := range files {
		lo, hi := f.Range()
		if lo > hi {
			continue
		}

		size := f.Size()
		spans += span(lo, hi)
		total += float64(size)
		dups.Update(intervalmap.Closed(lo, hi), func(d *density) { d.add(size, lo, hi) })
	}

	var overlap, duplicated float64
	for iv, d := range dups.Intersecting(intervalmap.Closed(full.Start, full.End)) {
		if d.count == 0 {
			continue
		}
		if iv.Start < full.Start {
			iv.Start = full.Start
		}
		if iv.End > full.End {
			iv.End = full.End
		}

		n := span(iv.Start, iv.End)
		overlap += float64(d.count-1) * n
		duplicated += d.duplicated(n)
	}

	fullSpan := span(full.Start, full.End)
	m := Metrics{
		Coverage:       spans / fullSpan,
		Overlap:        overlap / fullSpan,
		DuplicatedSize: uint64(duplicated),
	}
	if total > 0 {
		m.Duplication = duplicated / total
	}
	return m
}

// --------------------------------------------------------------------

// MergeSegments greedily partitions files, given in write order, into merge
// jobs. Each segment lists file positions in ascending order. Segments with a
// single file move that file after the preceding merges, so it keeps shadowing
// their output.
func MergeSegments(files []Compactable, cfg *Config) [][]int {
	c := cfg.norm()
	used := make([]bool, len(files))

	var segments [][]int
	jobs := 0
	for seed := len(files) - 1; seed >= 0; seed-- {
		if used[seed] {
			continue
		}
		if jobs >= c.MaxMergeSegmentCount {
			break
		}

		segment, ok := c.pack(files, used, seed)
		if ok {
			jobs++
		}
		segments = append(segments, segment)
	}

	// trailing placeholders are the oldest files, nothing to move them past
	for len(segments) != 0 && len(segments[len(segments)-1]) == 1 {
		segments = segments[:len(segments)-1]
	}

	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}

	kept := intervalmap.New[uint64, bool]()
	out := segments[:0]
	for _, segment := range segments {
		if len(segment) == 1 && !intersects(kept, files[segment[0]]) {
			continue
		}
		for _, i := range segment {
			lo, hi := files[i].Range()
			kept.Replace(intervalmap.Closed(lo, hi), true)
		}
		out = append(out, segment)
	}
	return out
}

// pack grows a merge job from seed. It returns the seed alone and false if no
// worthwhile job could be formed.
func (c *Config) pack(files []Compactable, used []bool, seed int) ([]int, bool) {
	lo, hi := files[seed].Range()

search:
	for {
		set := []int{seed}
		size := files[seed].Size()
		dups := newDuplication(files[seed])

		for next := seed - 1; ; {
			duplicated := dups.total()
			if len(set) >= c.OptimalMergeCount && duplicated >= c.OptimalMergeDuplicationBytes {
				return commit(set, used), true
			}

			valid := len(set) >= c.MinMergeCount && duplicated >= c.MinMergeDuplicationBytes
			if len(set) >= c.MaxMergeCount {
				return c.end(set, used, valid)
			}

			i := findOverlapping(files, used, next, lo, hi)
			if i < 0 {
				return c.end(set, used, valid)
			}
			next = i - 1

			fsize := files[i].Size()
			if fsize > c.MaxMergeBytes || size > c.MaxMergeBytes-fsize {
				return c.end(set, used, valid)
			}

			flo, fhi := files[i].Range()
			if flo < lo || fhi > hi {
				lo, hi = min(lo, flo), max(hi, fhi)
				continue search
			}

			set = append(set, i)
			size += fsize
			dups.add(files[i])
		}
	}
}

func (c *Config) end(set []int, used []bool, valid bool) ([]int, bool) {
	if valid {
		return commit(set, used), true
	}
	return set[:1], false
}

// commit marks the set as used and returns it in ascending order.
func commit(set []int, used []bool) []int {
	for i, j := 0, len(set)-1; i < j; i, j = i+1, j-1 {
		set[i], set[j] = set[j], set[i]
	}
	for _, i := range set {
		used[i] = true
	}
	return set
}

// findOverlapping returns the position of the newest unused file at or before
// pos which overlaps [lo, hi], or -1.
func findOverlapping(files []Compactable, used []bool, pos int, lo, hi uint64) int {
	for i := pos; i >= 0; i-- {
		if used[i] {
			continue
		}
		if flo, fhi := files[i].Range(); flo <= hi && lo <= fhi {
			return i
		}
	}
	return -1
}

func intersects(m *intervalmap.Map[uint64, bool], f Compactable) bool {
	lo, hi := f.Range()
	for _, v := range m.Intersecting(intervalmap.Closed(lo, hi)) {
		if v {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------

// density tracks the files covering a sub-range. Sizes are spread evenly over
// each file's range, so every file contributes bytes per key unit.
type density struct {
	total float64 // sum of contributions
	max   float64 // largest single contribution
	count int
}

func (d *density) add(size, lo, hi uint64) {
	v := float64(size) / span(lo, hi)
	d.total += v
	if v > d.max {
		d.max = v
	}
	d.count++
}

// duplicated estimates the bytes shadowed within a sub-range of length n:
// everything except the largest contributor.
func (d density) duplicated(n float64) float64 {
	return (d.total - d.max) * n
}

type duplication struct {
	m *intervalmap.Map[uint64, density]
}

func newDuplication(f Compactable) duplication {
	d := duplication{m: intervalmap.New[uint64, density]()}
	d.add(f)
	return d
}

func (d duplication) add(f Compactable) {
	lo, hi := f.Range()
	if lo > hi {
		return
	}
	size := f.Size()
	d.m.Update(intervalmap.Closed(lo, hi), func(x *density) { x.add(size, lo, hi) })
}

func (d duplication) total() uint64 {
	var sum float64
	for iv, x := range d.m.All() {
		if x.count > 1 {
			sum += x.duplicated(span(iv.Start, iv.End))
		}
	}
	return uint64(sum)
}

func span(lo, hi uint64) float64 {
	return float64(hi-lo) + 1
}
