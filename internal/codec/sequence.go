package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cartridge/learner/internal/types"
)

const (
	// headerSize is the fixed size of SequenceHeader in bytes
	headerSize = 32

	// sequenceMagic marks an encoded sequence ("R2SQ")
	sequenceMagic uint32 = 0x51533252

	// Version is the current sequence layout version
	Version uint16 = 1
)

var (
	// ErrBadMagic is returned when a buffer does not start with a sequence header
	ErrBadMagic = errors.New("codec: bad magic")

	// ErrUnsupportedVersion is returned for layouts this build cannot read
	ErrUnsupportedVersion = errors.New("codec: unsupported version")

	// ErrTruncated is returned when a buffer is shorter than its header declares
	ErrTruncated = errors.New("codec: truncated buffer")
)

// SequenceHeader is the fixed 32-byte prefix of an encoded sequence.
// Layout:
//
//	[0:4]   Magic
//	[4:6]   Version
//	[6:8]   Reserved
//	[8:12]  ObservationSize
//	[12:16] ActionSize
//	[16:20] HiddenSize
//	[20:24] BurnIn
//	[24:28] Trace
//	[28:32] Valid
type SequenceHeader struct {
	Magic   uint32
	Version uint16
	Shape   types.Shape
	Valid   uint32
}

// MarshalTo writes the header to a byte slice (must be at least 32 bytes)
func (h *SequenceHeader) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Shape.ObservationSize))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Shape.ActionSize))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.Shape.HiddenSize))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Shape.BurnIn))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.Shape.Trace))
	binary.LittleEndian.PutUint32(buf[28:32], h.Valid)
}

// UnmarshalFrom reads the header from a byte slice
func (h *SequenceHeader) UnmarshalFrom(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	h.Shape = types.Shape{
		ObservationSize: int(binary.LittleEndian.Uint32(buf[8:12])),
		ActionSize:      int(binary.LittleEndian.Uint32(buf[12:16])),
		HiddenSize:      int(binary.LittleEndian.Uint32(buf[16:20])),
		BurnIn:          int(binary.LittleEndian.Uint32(buf[20:24])),
		Trace:           int(binary.LittleEndian.Uint32(buf[24:28])),
	}
	h.Valid = binary.LittleEndian.Uint32(buf[28:32])
}

// EncodedSize returns the number of bytes EncodeSequence produces for shape.
func EncodedSize(shape types.Shape) int {
	length := shape.Length()
	return headerSize +
		length*shape.ObservationSize + // observations
		length*4 + // actions
		length*4 + // rewards
		length + // dones
		length*4 + // policies
		shape.HiddenSize*8 // hidden + cell
}

// EncodeSequence serialises seq into the versioned little-endian layout.
func EncodeSequence(seq types.Sequence) ([]byte, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, EncodedSize(seq.Shape))
	header := SequenceHeader{
		Magic:   sequenceMagic,
		Version: Version,
		Shape:   seq.Shape,
		Valid:   uint32(seq.Valid),
	}
	header.MarshalTo(buf)

	off := headerSize
	off += copy(buf[off:], seq.Observations)
	for _, a := range seq.Actions {
		binary.LittleEndian.PutUint32(buf[off:], uint32(a))
		off += 4
	}
	off = putFloats(buf, off, seq.Rewards)
	for _, d := range seq.Dones {
		if d {
			buf[off] = 1
		}
		off++
	}
	off = putFloats(buf, off, seq.Policies)
	off = putFloats(buf, off, seq.State.Hidden)
	putFloats(buf, off, seq.State.Cell)

	return buf, nil
}

// DecodeSequence parses a buffer produced by EncodeSequence.
func DecodeSequence(buf []byte) (types.Sequence, error) {
	if len(buf) < headerSize {
		return types.Sequence{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}

	var header SequenceHeader
	header.UnmarshalFrom(buf)
	if header.Magic != sequenceMagic {
		return types.Sequence{}, ErrBadMagic
	}
	if header.Version != Version {
		return types.Sequence{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header.Version)
	}
	if err := header.Shape.Validate(); err != nil {
		return types.Sequence{}, fmt.Errorf("codec: %w", err)
	}
	if want := EncodedSize(header.Shape); len(buf) != want {
		return types.Sequence{}, fmt.Errorf("%w: %d bytes, want %d", ErrTruncated, len(buf), want)
	}

	seq := types.NewSequence(header.Shape)
	seq.Valid = int(header.Valid)

	off := headerSize
	off += copy(seq.Observations, buf[off:off+len(seq.Observations)])
	for i := range seq.Actions {
		seq.Actions[i] = int32(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	off = getFloats(buf, off, seq.Rewards)
	for i := range seq.Dones {
		seq.Dones[i] = buf[off] != 0
		off++
	}
	off = getFloats(buf, off, seq.Policies)
	off = getFloats(buf, off, seq.State.Hidden)
	getFloats(buf, off, seq.State.Cell)

	if err := seq.Validate(); err != nil {
		return types.Sequence{}, err
	}
	return seq, nil
}

func putFloats(buf []byte, off int, values []float32) int {
	for _, v := range values {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
	return off
}

func getFloats(buf []byte, off int, dst []float32) int {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return off
}
