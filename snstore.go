package snstore

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"
)

const (
	blockTypeIndex = 0
	blockTypeKey   = 1
)

const (
	maxBlockCount = math.MaxUint16
	maxDictSize   = math.MaxUint16

	// maxBlockSize limits the uncompressed size of a single block.
	maxBlockSize = 1 << 28
)

// Value size classes used by ClassifyValue.
const (
	MaxSmallValueSize  = 4 << 10
	MaxMediumValueSize = 64 << 20
)

var (
	// ErrNotFound is returned by Table.Get when a key cannot be found.
	ErrNotFound = errors.New("snstore: not found")
	// ErrCorrupt is returned when a file cannot be decoded.
	ErrCorrupt = errors.New("snstore: corrupt file")
	// ErrCapacity is returned when data exceeds the fixed-width fields of the format.
	ErrCapacity = errors.New("snstore: capacity exceeded")
	// ErrOutOfOrder is returned when entries are not appended in ascending hash order
	// or a key is appended twice.
	ErrOutOfOrder = errors.New("snstore: out-of-order append")
	// ErrClosed is returned when using a closed writer.
	ErrClosed = errors.New("snstore: is closed")
)

// HashKey returns a 64-bit hash of key for callers without a fingerprint of their own.
func HashKey(key []byte) uint64 {
	return murmur3.Sum64(key)
}

// TableFileName returns the file name of an SST.
func TableFileName(seq uint32) string { return fmt.Sprintf("%08d.sst", seq) }

// MetaFileName returns the file name of a meta file.
func MetaFileName(seq uint32) string { return fmt.Sprintf("%08d.meta", seq) }

func tablePath(dir string, seq uint32) string { return filepath.Join(dir, TableFileName(seq)) }
func metaPath(dir string, seq uint32) string  { return filepath.Join(dir, MetaFileName(seq)) }

// --------------------------------------------------------------------

// ValueKind classifies values.
type ValueKind uint8

// Value kinds.
const (
	// ValueSmall values are packed together into shared blocks.
	ValueSmall ValueKind = iota
	// ValueMedium values get a block of their own.
	ValueMedium
	// ValueLarge values live in an external blob, only the blob ID is stored.
	ValueLarge
	// ValueDeleted marks a tombstone.
	ValueDeleted
)

func (k ValueKind) isValid() bool { return k <= ValueDeleted }

func (k ValueKind) String() string {
	switch k {
	case ValueSmall:
		return "small"
	case ValueMedium:
		return "medium"
	case ValueLarge:
		return "large"
	case ValueDeleted:
		return "deleted"
	}
	return fmt.Sprintf("ValueKind(%d)", uint8(k))
}

// Value is a stored value.
type Value struct {
	Kind ValueKind
	Data []byte // for small and medium values
	Blob uint32 // for large values
}

// ClassifyValue wraps data as a small or medium value depending on its size.
// Values larger than MaxMediumValueSize belong into a blob store.
func ClassifyValue(data []byte) Value {
	if len(data) <= MaxSmallValueSize {
		return Value{Kind: ValueSmall, Data: data}
	}
	return Value{Kind: ValueMedium, Data: data}
}

// Entry is a key/value pair.
type Entry struct {
	Hash  uint64
	Key   []byte
	Value Value
}

// --------------------------------------------------------------------

// LookupKind describes the outcome of a lookup.
type LookupKind uint8

// Lookup outcomes. Misses are ordered by how far the lookup got before
// giving up.
const (
	// FamilyMiss is returned when the key family does not match.
	FamilyMiss LookupKind = iota
	// RangeMiss is returned when no table covers the hash.
	RangeMiss
	// QuickFilterMiss is returned when all covering tables were excluded by their filters.
	QuickFilterMiss
	// NotFound is returned when the key was not found in any table.
	NotFound
	// Found is returned for small and medium values.
	Found
	// Deleted is returned for tombstones.
	Deleted
	// Blob is returned for large values.
	Blob
)

func (k LookupKind) String() string {
	switch k {
	case FamilyMiss:
		return "family miss"
	case RangeMiss:
		return "range miss"
	case QuickFilterMiss:
		return "quick filter miss"
	case NotFound:
		return "not found"
	case Found:
		return "found"
	case Deleted:
		return "deleted"
	case Blob:
		return "blob"
	}
	return fmt.Sprintf("LookupKind(%d)", uint8(k))
}

// LookupResult is the result of a lookup.
type LookupResult struct {
	Kind  LookupKind
	Value []byte // for Found
	Blob  uint32 // for Blob
}

// Hit returns true if the lookup terminated on an entry, including tombstones.
func (r LookupResult) Hit() bool { return r.Kind >= Found }

// --------------------------------------------------------------------

// Compression is the compression codec.
type Compression byte

func (c Compression) isValid() bool {
	return c >= ZstdCompression && c < unknownCompression
}

// Supported compression codecs.
const (
	// ZstdCompression compresses blocks with per-table trained dictionaries.
	ZstdCompression Compression = iota
	// SnappyCompression compresses blocks without dictionaries.
	SnappyCompression
	// NoCompression stores blocks as they are.
	NoCompression
	unknownCompression
)

// Logger logs events.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type defaultLogger struct{}

// DefaultLogger logs via the default structured logger.
var DefaultLogger Logger = defaultLogger{}

func (defaultLogger) Infof(format string, args ...interface{}) {
	slog.Default().Info(fmt.Sprintf(format, args...))
}

func (defaultLogger) Errorf(format string, args ...interface{}) {
	slog.Default().Error(fmt.Sprintf(format, args...))
}

// Options define store options. The same options must be used for writing and
// reading the files of a directory.
type Options struct {
	// The compression codec to use.
	// Default: ZstdCompression.
	Compression Compression

	// KeyBlockEntries is the maximum number of entries per key block.
	// Default: 1024.
	KeyBlockEntries int

	// KeyBlockSize is the maximum uncompressed size of a key block. Runs of equal
	// hashes are never split, so blocks may exceed it.
	// Default: 16KiB.
	KeyBlockSize int

	// ValueBlockEntries is the maximum number of small values per value block.
	// Default: 1024.
	ValueBlockEntries int

	// ValueBlockSize is the maximum uncompressed size of a small value block.
	// Default: 16KiB.
	ValueBlockSize int

	// KeySampleBudget is the number of key bytes used for dictionary training.
	// Default: 64KiB.
	KeySampleBudget int

	// ValueSampleBudget is the number of value bytes used for dictionary training.
	// Default: 256KiB.
	ValueSampleBudget int

	// MinSampleSize is the minimum number of sampled bytes required for
	// training a dictionary.
	// Default: 1KiB.
	MinSampleSize int

	// KeyDictSize is the maximum size of the key dictionary.
	// Default: 4KiB.
	KeyDictSize int

	// ValueDictSize is the maximum size of the value dictionary.
	// Default: 16KiB.
	ValueDictSize int

	// FilterFPRate is the target false-positive rate of table filters.
	// Default: 0.01.
	FilterFPRate float64

	// FilterCache caches deserialized filters. Share one cache across all
	// meta files of a directory.
	// Default: a private cache per meta file.
	FilterCache *FilterCache

	// BlockCache caches decompressed blocks. Share one cache across all
	// meta files of a directory.
	// Default: none.
	BlockCache *BlockCache

	// WideRangeShift controls which tables bypass the FilterCache. Tables
	// spanning more than MaxUint64>>WideRangeShift hashes keep their filter
	// privately.
	// Default: 1.
	WideRangeShift uint

	// Logger is used for logging.
	// Default: DefaultLogger.
	Logger Logger

	// OnTableOpen is called whenever an SST is opened.
	OnTableOpen func(seq uint32)
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if !oo.Compression.isValid() {
		oo.Compression = ZstdCompression
	}
	if oo.KeyBlockEntries < 1 {
		oo.KeyBlockEntries = 1024
	}
	if oo.KeyBlockSize < 1 {
		oo.KeyBlockSize = 16 << 10
	}
	if oo.ValueBlockEntries < 1 {
		oo.ValueBlockEntries = 1024
	}
	if oo.ValueBlockSize < 1 {
		oo.ValueBlockSize = 16 << 10
	}
	if oo.KeySampleBudget < 1 {
		oo.KeySampleBudget = 64 << 10
	}
	if oo.ValueSampleBudget < 1 {
		oo.ValueSampleBudget = 256 << 10
	}
	if oo.MinSampleSize < 1 {
		oo.MinSampleSize = 1 << 10
	}
	if oo.KeyDictSize < 1 {
		oo.KeyDictSize = 4 << 10
	} else if oo.KeyDictSize > maxDictSize {
		oo.KeyDictSize = maxDictSize
	}
	if oo.ValueDictSize < 1 {
		oo.ValueDictSize = 16 << 10
	} else if oo.ValueDictSize > maxDictSize {
		oo.ValueDictSize = maxDictSize
	}
	if !(oo.FilterFPRate > 0 && oo.FilterFPRate < 1) {
		oo.FilterFPRate = 0.01
	}
	if oo.WideRangeShift < 1 || oo.WideRangeShift > 63 {
		oo.WideRangeShift = 1
	}
	if oo.Logger == nil {
		oo.Logger = DefaultLogger
	}
	return &oo
}
