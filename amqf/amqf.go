/*
Package amqf implements an approximate membership query filter (AMQF) in the form
of a quotient filter over 64-bit key hashes.

Filters are built once from a known set of hashes and are read-only afterwards.
A lookup may report a false positive but never a false negative.

Each slot stores an r-bit remainder and three metadata bits. Slots never wrap
around: runs that are shifted past the last canonical slot spill into an
overflow tail.

    Serialized layout:
    +-------------+---------+---------+---------------+--------------------+----------------------+
    | version (1) | q (1)   | r (1)   | reserved (1)  | count (4, BE)      | slot count (4, BE)   |
    +-------------+---------+---------+---------------+--------------------+----------------------+
    | slot 0 (2, BE) | slot 1 (2, BE) |  ...                                                      |
    +----------------+----------------+-----------------------------------------------------------+
*/
package amqf

import (
	"encoding/binary"
	"math"
	"math/bits"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"
)

// DefaultFPRate is the default target false-positive rate.
const DefaultFPRate = 0.01

// ErrCorrupt is returned when a serialized filter cannot be decoded.
var ErrCorrupt = errors.New("amqf: corrupt filter")

const (
	formatVersion    = 1
	headerSize       = 12
	maxRemainderBits = 13
	maxQuotientBits  = 40
	slotMetaBits     = 3
)

const (
	occupiedBit     = 1 << 0
	continuationBit = 1 << 1
	shiftedBit      = 1 << 2
)

// Builder collects hashes for a new filter.
type Builder struct {
	qbits, rbits uint
	fps          []uint64
}

// NewBuilder returns a builder for a filter sized to hold capacity hashes
// at the given false-positive rate.
func NewBuilder(capacity int, fpRate float64) *Builder {
	if capacity < 1 {
		capacity = 1
	}
	if !(fpRate > 0 && fpRate < 1) {
		fpRate = DefaultFPRate
	}

	qbits := uint(bits.Len64(uint64(capacity - 1)))
	for (uint64(1)<<qbits)*19/20 < uint64(capacity) && qbits < maxQuotientBits {
		qbits++
	}

	rbits := uint(math.Ceil(-math.Log2(fpRate)))
	if rbits < 1 {
		rbits = 1
	} else if rbits > maxRemainderBits {
		rbits = maxRemainderBits
	}

	return &Builder{
		qbits: qbits,
		rbits: rbits,
		fps:   make([]uint64, 0, capacity),
	}
}

// Insert adds a key hash.
func (b *Builder) Insert(hash uint64) {
	b.fps = append(b.fps, fingerprint(hash, b.qbits+b.rbits))
}

// Finish lays out the filter. The builder must not be used afterwards.
func (b *Builder) Finish() *Filter {
	sort.Slice(b.fps, func(i, j int) bool { return b.fps[i] < b.fps[j] })

	f := &Filter{
		qbits: b.qbits,
		rbits: b.rbits,
		slots: make([]uint16, 1<<b.qbits),
	}

	mask := uint64(1)<<b.rbits - 1
	next, prevQ := 0, -1
	for i, fp := range b.fps {
		if i != 0 && fp == b.fps[i-1] {
			continue
		}

		fq, fr := int(fp>>b.rbits), uint16(fp&mask)
		pos := fq
		if pos < next {
			pos = next
		}
		for pos >= len(f.slots) {
			f.slots = append(f.slots, 0)
		}

		var meta uint16
		if fq == prevQ {
			meta |= continuationBit
		}
		if pos != fq {
			meta |= shiftedBit
		}
		f.slots[pos] = f.slots[pos]&occupiedBit | meta | fr<<slotMetaBits
		f.slots[fq] |= occupiedBit

		next, prevQ = pos+1, fq
		f.count++
	}

	b.fps = nil
	return f
}

// --------------------------------------------------------------------

// Filter is an immutable quotient filter.
type Filter struct {
	qbits, rbits uint
	count        int
	slots        []uint16
}

// Len returns the number of distinct fingerprints stored.
func (f *Filter) Len() int { return f.count }

// Capacity returns the number of slots, including the overflow tail.
func (f *Filter) Capacity() int { return len(f.slots) }

// ContainsFingerprint tests whether hash may have been inserted.
func (f *Filter) ContainsFingerprint(hash uint64) bool {
	if f.count == 0 {
		return false
	}

	fp := fingerprint(hash, f.qbits+f.rbits)
	fq, fr := int(fp>>f.rbits), uint16(fp&(uint64(1)<<f.rbits-1))
	if f.slots[fq]&occupiedBit == 0 {
		return false
	}

	// walk back to the start of the cluster
	b := fq
	for f.slots[b]&shiftedBit != 0 {
		b--
	}

	// walk forward run by run until s points at the run of fq
	s := b
	for b != fq {
		s++
		for s < len(f.slots) && f.slots[s]&continuationBit != 0 {
			s++
		}
		b++
		for f.slots[b]&occupiedBit == 0 {
			b++
		}
	}
	if s >= len(f.slots) {
		return false
	}

	for {
		rem := f.slots[s] >> slotMetaBits
		if rem == fr {
			return true
		} else if rem > fr {
			return false
		}
		s++
		if s >= len(f.slots) || f.slots[s]&continuationBit == 0 {
			return false
		}
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (f *Filter) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(nil), nil
}

// AppendBinary appends the serialized filter to dst.
func (f *Filter) AppendBinary(dst []byte) []byte {
	var hdr [headerSize]byte
	hdr[0] = formatVersion
	hdr[1] = byte(f.qbits)
	hdr[2] = byte(f.rbits)
	binary.BigEndian.PutUint32(hdr[4:], uint32(f.count))
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(f.slots)))

	dst = append(dst, hdr[:]...)
	for _, s := range f.slots {
		dst = append(dst, byte(s>>8), byte(s))
	}
	return dst
}

// Unmarshal decodes a serialized filter.
func Unmarshal(p []byte) (*Filter, error) {
	if len(p) < headerSize {
		return nil, errors.Wrapf(ErrCorrupt, "truncated header (%d bytes)", len(p))
	}
	if p[0] != formatVersion {
		return nil, errors.Wrapf(ErrCorrupt, "unknown version %d", p[0])
	}

	qbits, rbits := uint(p[1]), uint(p[2])
	if qbits > maxQuotientBits || rbits < 1 || rbits > maxRemainderBits {
		return nil, errors.Wrapf(ErrCorrupt, "bad geometry q=%d r=%d", qbits, rbits)
	}

	count := int(binary.BigEndian.Uint32(p[4:]))
	nslots := int(binary.BigEndian.Uint32(p[8:]))
	if nslots < 1<<qbits || count > nslots {
		return nil, errors.Wrapf(ErrCorrupt, "bad slot count %d for q=%d", nslots, qbits)
	}
	if len(p) != headerSize+2*nslots {
		return nil, errors.Wrapf(ErrCorrupt, "expected %d bytes, got %d", headerSize+2*nslots, len(p))
	}

	slots := make([]uint16, nslots)
	for i := range slots {
		slots[i] = binary.BigEndian.Uint16(p[headerSize+2*i:])
	}
	if nslots != 0 && slots[0]&shiftedBit != 0 {
		return nil, errors.Wrap(ErrCorrupt, "first slot is shifted")
	}

	return &Filter{qbits: qbits, rbits: rbits, count: count, slots: slots}, nil
}

// fingerprint mixes the hash and keeps its top n bits.
func fingerprint(hash uint64, n uint) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], hash)
	return murmur3.Sum64(b[:]) >> (64 - n)
}
