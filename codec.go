package snstore

import (
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/dict"
	"github.com/klauspost/compress/zstd"
)

const (
	keyDictID   = 1
	valueDictID = 2
)

type encoder interface {
	Encode(dst, src []byte) []byte
	Close()
}

type decoder interface {
	Decode(dst, src []byte) ([]byte, error)
	Close()
}

func newEncoder(c Compression, dictionary []byte) (encoder, error) {
	switch c {
	case ZstdCompression:
		opts := []zstd.EOption{
			zstd.WithEncoderConcurrency(1),
			zstd.WithEncoderLevel(zstd.SpeedDefault),
		}
		if len(dictionary) != 0 {
			opts = append(opts, zstd.WithEncoderDict(dictionary))
		}
		enc, err := zstd.NewWriter(nil, opts...)
		if err != nil {
			return nil, err
		}
		return zstdEncoder{enc: enc}, nil
	case SnappyCompression:
		return snappyCodec{}, nil
	default:
		return plainCodec{}, nil
	}
}

func newDecoder(c Compression, dictionary []byte) (decoder, error) {
	switch c {
	case ZstdCompression:
		opts := []zstd.DOption{
			zstd.WithDecoderConcurrency(0),
		}
		if len(dictionary) != 0 {
			opts = append(opts, zstd.WithDecoderDicts(dictionary))
		}
		dec, err := zstd.NewReader(nil, opts...)
		if err != nil {
			return nil, err
		}
		return zstdDecoder{dec: dec}, nil
	case SnappyCompression:
		return snappyCodec{}, nil
	default:
		return plainCodec{}, nil
	}
}

// trainDict trains a zstd dictionary from samples.
func trainDict(samples [][]byte, size int, id uint32) (d []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, errors.Newf("dictionary training panicked: %v", r)
		}
	}()

	d, err = dict.BuildZstdDict(samples, dict.Options{
		MaxDictSize: size,
		HashBytes:   6,
		ZstdDictID:  id,
	})
	if err != nil {
		return nil, err
	}
	if len(d) > maxDictSize {
		return nil, errors.Newf("dictionary of %d bytes exceeds limit", len(d))
	}

	// reject dictionaries the codec cannot load
	enc, err := newEncoder(ZstdCompression, d)
	if err != nil {
		return nil, err
	}
	enc.Close()

	dec, err := newDecoder(ZstdCompression, d)
	if err != nil {
		return nil, err
	}
	dec.Close()

	return d, nil
}

// --------------------------------------------------------------------

type zstdEncoder struct{ enc *zstd.Encoder }

func (e zstdEncoder) Encode(dst, src []byte) []byte { return e.enc.EncodeAll(src, dst[:0]) }
func (e zstdEncoder) Close()                        { _ = e.enc.Close() }

type zstdDecoder struct{ dec *zstd.Decoder }

func (d zstdDecoder) Decode(dst, src []byte) ([]byte, error) { return d.dec.DecodeAll(src, dst[:0]) }
func (d zstdDecoder) Close()                                 { d.dec.Close() }

type snappyCodec struct{}

func (snappyCodec) Encode(dst, src []byte) []byte          { return snappy.Encode(dst[:cap(dst)], src) }
func (snappyCodec) Decode(dst, src []byte) ([]byte, error) { return snappy.Decode(dst[:cap(dst)], src) }
func (snappyCodec) Close()                                 {}

type plainCodec struct{}

func (plainCodec) Encode(dst, src []byte) []byte          { return append(dst[:0], src...) }
func (plainCodec) Decode(dst, src []byte) ([]byte, error) { return append(dst[:0], src...), nil }
func (plainCodec) Close()                                 {}
