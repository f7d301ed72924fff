// Package codec turns sequences into the bytes that replay keeps in memory.
package codec

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/cartridge/learner/internal/types"
)

// Algorithm selects how encoded sequences are packed.
type Algorithm string

const (
	AlgorithmZstd Algorithm = "zstd"
	AlgorithmNone Algorithm = "none"
)

var (
	// ErrCorrupt is returned when a record cannot be unpacked.
	ErrCorrupt = errors.New("codec: corrupt record")

	// ErrClosed is returned by a codec after Close.
	ErrClosed = errors.New("codec: closed")
)

// Record is a packed sequence. Size is the length of the encoded sequence
// before compression.
type Record struct {
	Size int
	Data []byte
}

// Codec compresses and decompresses sequences. Safe for concurrent use.
type Codec struct {
	algorithm Algorithm
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	closed    atomic.Bool
}

// New creates a codec for the given algorithm.
func New(algorithm Algorithm) (*Codec, error) {
	c := &Codec{algorithm: algorithm}
	switch algorithm {
	case AlgorithmNone:
	case AlgorithmZstd, "":
		c.algorithm = AlgorithmZstd
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		c.encoder = enc
		c.decoder = dec
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
	return c, nil
}

// Algorithm reports the configured algorithm.
func (c *Codec) Algorithm() Algorithm { return c.algorithm }

// Compress encodes and packs seq.
func (c *Codec) Compress(seq types.Sequence) (Record, error) {
	if c.closed.Load() {
		return Record{}, ErrClosed
	}
	raw, err := EncodeSequence(seq)
	if err != nil {
		return Record{}, err
	}
	if c.encoder == nil {
		return Record{Size: len(raw), Data: raw}, nil
	}
	return Record{
		Size: len(raw),
		Data: c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)),
	}, nil
}

// Decompress unpacks and decodes a record produced by Compress.
func (c *Codec) Decompress(rec Record) (types.Sequence, error) {
	if c.closed.Load() {
		return types.Sequence{}, ErrClosed
	}
	raw := rec.Data
	if c.decoder != nil {
		var err error
		raw, err = c.decoder.DecodeAll(rec.Data, make([]byte, 0, rec.Size))
		if err != nil {
			return types.Sequence{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	if len(raw) != rec.Size {
		return types.Sequence{}, fmt.Errorf("%w: size %d, header says %d", ErrCorrupt, len(raw), rec.Size)
	}
	seq, err := DecodeSequence(raw)
	if err != nil {
		return types.Sequence{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return seq, nil
}

// Close releases the zstd encoder and decoder. Calls after the first are
// no-ops.
func (c *Codec) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
