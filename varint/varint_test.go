package varint

import (
	"math"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 2, 127, 128, 129, 255, 256,
		1 << 14, 1<<14 - 1, 1<<21 - 1, 1 << 21,
		1<<35 + 7,
		math.MaxUint32,
		math.MaxInt64,
		math.MaxUint64,
	}
	for _, v := range values {
		buf := Encode(nil, v)
		require.Equal(t, EncodedLen(v), len(buf))

		got, n, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.Equal(t, len(buf), n)

		wantLen := expectedLen(v)
		require.Equal(t, wantLen, n)
	}
}

func expectedLen(v uint64) int {
	bl := bits.Len64(v)
	if bl == 0 {
		bl = 1
	}
	return (bl + 6) / 7
}

func TestDecodeInsufficientData(t *testing.T) {
	// a continuation byte with nothing following
	_, _, err := Decode([]byte{0x80})
	require.ErrorIs(t, err, ErrInsufficientData)

	_, _, err = Decode(nil)
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestDecodeOverflow(t *testing.T) {
	// 10 continuation bytes followed by an 11th byte; the 10th byte (0xff)
	// already carries more than the single bit left in a uint64, so Decode
	// rejects the input there
	buf := make([]byte, 11)
	for i := range buf[:10] {
		buf[i] = 0xff
	}
	buf[10] = 0x02
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestToInt64ExceedsMax(t *testing.T) {
	_, err := ToInt64(1 << 63)
	require.ErrorIs(t, err, ErrValueExceedsIntMax)

	v, err := ToInt64(math.MaxInt64)
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64), v)
}

func TestToIntMax(t *testing.T) {
	n, err := ToIntMax(100, 64*1024)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	_, err = ToIntMax(65*1024, 64*1024)
	require.Error(t, err)
	var tooLarge *LengthExceedsMaxError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, uint64(65*1024), tooLarge.Size)
}
