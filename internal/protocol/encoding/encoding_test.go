package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBerLength_RoundTrip(t *testing.T) {
	testCases := []int{0, 1, 0x7f, 0x80, 0xff, 0x100, 0xffff}

	for _, size := range testCases {
		buf := new(bytes.Buffer)
		BerWriteLength(size, buf)

		got, err := BerReadLength(buf)
		require.NoError(t, err)
		require.Equal(t, size, int(got))
	}
}

func TestBerInteger_RoundTrip(t *testing.T) {
	testCases := []int{0, 1, 0xff, 0x100, 0xffff, 0x10000, 0xffffff}

	for _, n := range testCases {
		buf := new(bytes.Buffer)
		BerWriteInteger(n, buf)

		got, err := BerReadInteger(buf)
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
}

func TestBerInteger16_RoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	BerWriteInteger16(0x1234, buf)

	got, err := BerReadInteger16(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), got)
}

func TestBerBoolean_RoundTrip(t *testing.T) {
	for _, b := range []bool{true, false} {
		buf := new(bytes.Buffer)
		BerWriteBoolean(b, buf)

		got, err := BerReadBoolean(buf)
		require.NoError(t, err)
		require.Equal(t, b, got)
	}
}

func TestBerOctetString_RoundTrip(t *testing.T) {
	testCases := [][]byte{
		{},
		{0x01},
		bytes.Repeat([]byte{0xAB}, 0x90),  // forces 1-byte long form
		bytes.Repeat([]byte{0xCD}, 0x200), // forces 2-byte long form
	}

	for _, data := range testCases {
		buf := new(bytes.Buffer)
		BerWriteOctetString(data, buf)

		got, err := BerReadOctetString(buf)
		require.NoError(t, err)
		require.Equal(t, data, got)
	}
}

func TestBerSequence_RoundTrip(t *testing.T) {
	content := []byte{0x01, 0x02, 0x03}

	buf := new(bytes.Buffer)
	BerWriteSequence(content, buf)

	length, err := BerReadSequence(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(len(content)), length)
	require.Equal(t, content, buf.Bytes())
}

func TestBerApplicationTag_RoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	BerWriteApplicationTag(101, 0x42, buf)

	tag, err := BerReadApplicationTag(buf)
	require.NoError(t, err)
	require.Equal(t, uint8(101), tag)

	length, err := BerReadLength(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(0x42), length)
}

func TestBerReadEnumerated(t *testing.T) {
	buf := new(bytes.Buffer)
	BerWriteEnumerated(8, buf)

	got, err := BerReadEnumerated(buf)
	require.NoError(t, err)
	require.Equal(t, uint8(8), got)
}

func TestPerLength_RoundTrip(t *testing.T) {
	testCases := []uint16{0, 1, 0x7f, 0x80, 0x1234, 0x7fff}

	for _, size := range testCases {
		buf := new(bytes.Buffer)
		PerWriteLength(size, buf)

		got, err := PerReadLength(buf)
		require.NoError(t, err)
		require.Equal(t, int(size), got)
	}
}

func TestPerInteger_RoundTrip(t *testing.T) {
	testCases := []int{0, 0xff, 0xffff, 0x10000}

	for _, n := range testCases {
		buf := new(bytes.Buffer)
		PerWriteInteger(n, buf)

		got, err := PerReadInteger(buf)
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
}

func TestPerInteger16_RoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	PerWriteInteger16(1007, 1001, buf)

	got, err := PerReadInteger16(1001, buf)
	require.NoError(t, err)
	require.Equal(t, uint16(1007), got)
}

func TestPerObjectIdentifier_RoundTrip(t *testing.T) {
	oid := [6]byte{0, 0, 20, 124, 0, 1}

	buf := new(bytes.Buffer)
	PerWriteObjectIdentifier(oid, buf)

	ok, err := PerReadObjectIdentifier(oid, buf)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPerObjectIdentifier_Mismatch(t *testing.T) {
	buf := new(bytes.Buffer)
	PerWriteObjectIdentifier([6]byte{0, 0, 20, 124, 0, 1}, buf)

	ok, err := PerReadObjectIdentifier([6]byte{0, 0, 20, 124, 0, 2}, buf)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPerOctetStream_RoundTrip(t *testing.T) {
	const key = "Duca"

	buf := new(bytes.Buffer)
	PerWriteOctetStream(key, 4, buf)

	ok, err := PerReadOctetStream([]byte(key), 4, buf)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPerNumericString_Read(t *testing.T) {
	buf := new(bytes.Buffer)
	PerWriteNumericString("1", 1, buf)

	require.NoError(t, PerReadNumericString(1, buf))
	require.Zero(t, buf.Len())
}

func TestPerPadding_Read(t *testing.T) {
	buf := new(bytes.Buffer)
	PerWritePadding(3, buf)

	require.NoError(t, PerReadPadding(3, buf))
	require.Zero(t, buf.Len())
}
