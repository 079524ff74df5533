package calldata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	c := &CallData{
		Endpoint: []byte("fund"),
		GasLimit: 10_000_000,
		Args:     [][]byte{{0x01, 0x02}, {}, {0xff}},
	}

	b, err := c.Marshal()
	require.NoError(t, err)

	c2, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, c.Endpoint, c2.Endpoint)
	assert.Equal(t, c.GasLimit, c2.GasLimit)
	require.Len(t, c2.Args, 3)
	assert.Equal(t, []byte{0x01, 0x02}, c2.Args[0])
	assert.Empty(t, c2.Args[1])
	assert.Equal(t, []byte{0xff}, c2.Args[2])
}

func TestWireLayoutIsByteExact(t *testing.T) {
	c := &CallData{Endpoint: []byte("ab"), GasLimit: 0x01020304, Args: [][]byte{{0xaa}}}

	b, err := c.Marshal()
	require.NoError(t, err)

	expected := []byte{
		0x02, 'a', 'b', // endpoint
		0x01, 0x02, 0x03, 0x04, // gas limit, big endian
		0x01,                   // arg count
		0x00, 0x00, 0x00, 0x01, // arg 0 length
		0xaa,
	}
	assert.Equal(t, expected, b)
}

func TestEmptyCallDataIsLegal(t *testing.T) {
	c, err := Unmarshal([]byte{0x00})
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())

	// The fully spelled out empty form decodes the same way.
	b, err := (&CallData{}).Marshal()
	require.NoError(t, err)
	c, err = Unmarshal(b)
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	c := &CallData{Endpoint: []byte("fund"), GasLimit: 42}
	b, err := c.Marshal()
	require.NoError(t, err)

	_, err = Unmarshal(append(b, 0x00))
	assert.ErrorIs(t, err, ErrTrailingBytes)
}

func TestUnmarshalRejectsTruncatedArg(t *testing.T) {
	b := []byte{
		0x01, 'f',
		0x00, 0x00, 0x00, 0x00,
		0x01,
		0x00, 0x00, 0x00, 0x05, // claims five bytes
		0x01, 0x02,
	}
	_, err := Unmarshal(b)
	assert.Error(t, err)
}

func TestMarshalRejectsWideGasLimit(t *testing.T) {
	c := &CallData{Endpoint: []byte("f"), GasLimit: 1 << 33}
	_, err := c.Marshal()
	assert.ErrorIs(t, err, ErrGasLimitRange)
}
