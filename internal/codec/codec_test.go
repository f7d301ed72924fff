package codec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/internal/types"
)

func randomSequence(rng *rand.Rand) types.Sequence {
	shape := types.Shape{ObservationSize: 16, ActionSize: 4, HiddenSize: 8, BurnIn: 3, Trace: 5}
	seq := types.NewSequence(shape)
	seq.Valid = 7
	rng.Read(seq.Observations)
	for i := range seq.Actions {
		seq.Actions[i] = int32(rng.Intn(4))
		seq.Rewards[i] = float32(rng.NormFloat64())
		seq.Dones[i] = rng.Intn(5) == 0
		seq.Policies[i] = rng.Float32()
	}
	for i := range seq.State.Hidden {
		seq.State.Hidden[i] = float32(rng.NormFloat64())
		seq.State.Cell[i] = float32(rng.NormFloat64())
	}
	// Values that only survive a bit-exact round trip.
	seq.Rewards[0] = float32(math.Copysign(0, -1))
	seq.Policies[1] = math.SmallestNonzeroFloat32
	return seq
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	seq := randomSequence(rand.New(rand.NewSource(1)))

	buf, err := EncodeSequence(seq)
	require.NoError(t, err)
	require.Len(t, buf, EncodedSize(seq.Shape))

	got, err := DecodeSequence(buf)
	require.NoError(t, err)
	assert.Equal(t, seq, got)
	assert.True(t, math.Signbit(float64(got.Rewards[0])))
}

func TestDecodeRejectsBadInput(t *testing.T) {
	seq := randomSequence(rand.New(rand.NewSource(2)))
	buf, err := EncodeSequence(seq)
	require.NoError(t, err)

	_, err = DecodeSequence(buf[:10])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = DecodeSequence(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrTruncated)

	bad := append([]byte(nil), buf...)
	bad[0] ^= 0xff
	_, err = DecodeSequence(bad)
	assert.ErrorIs(t, err, ErrBadMagic)

	bad = append([]byte(nil), buf...)
	bad[4] = 9
	_, err = DecodeSequence(bad)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestEncodeRejectsMisshapenSequence(t *testing.T) {
	seq := randomSequence(rand.New(rand.NewSource(3)))
	seq.Rewards = seq.Rewards[:1]
	_, err := EncodeSequence(seq)
	assert.ErrorIs(t, err, types.ErrShapeMismatch)
}

func TestCodecRoundTrip(t *testing.T) {
	for _, algorithm := range []Algorithm{AlgorithmZstd, AlgorithmNone} {
		t.Run(string(algorithm), func(t *testing.T) {
			c, err := New(algorithm)
			require.NoError(t, err)
			defer c.Close()

			seq := randomSequence(rand.New(rand.NewSource(4)))
			rec, err := c.Compress(seq)
			require.NoError(t, err)
			assert.Equal(t, EncodedSize(seq.Shape), rec.Size)

			got, err := c.Decompress(rec)
			require.NoError(t, err)
			assert.Equal(t, seq, got)
		})
	}
}

func TestCodecZeroPaddingCompresses(t *testing.T) {
	c, err := New(AlgorithmZstd)
	require.NoError(t, err)
	defer c.Close()

	shape := types.Shape{ObservationSize: 256, ActionSize: 4, HiddenSize: 16, BurnIn: 4, Trace: 8}
	seq := types.NewSequence(shape)
	rec, err := c.Compress(seq)
	require.NoError(t, err)
	assert.Less(t, len(rec.Data), rec.Size)
}

func TestCodecCorruptRecord(t *testing.T) {
	c, err := New(AlgorithmZstd)
	require.NoError(t, err)
	defer c.Close()

	rec, err := c.Compress(randomSequence(rand.New(rand.NewSource(5))))
	require.NoError(t, err)

	_, err = c.Decompress(Record{Size: rec.Size, Data: rec.Data[:len(rec.Data)/2]})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCodecClose(t *testing.T) {
	c, err := New(AlgorithmZstd)
	require.NoError(t, err)

	seq := randomSequence(rand.New(rand.NewSource(6)))
	rec, err := c.Compress(seq)
	require.NoError(t, err)

	c.Close()
	c.Close()

	_, err = c.Compress(seq)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Decompress(rec)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewUnknownAlgorithm(t *testing.T) {
	_, err := New("lz4")
	assert.Error(t, err)
}
