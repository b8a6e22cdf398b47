package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_WireLayout(t *testing.T) {
	buf := Encode(nil, Put(7, 1, 100, []byte{0xAB}))

	want := []byte{
		0, 0, 0, 25, // length
		0, 0, 0, 1, // type put
		0, 0, 0, 7, // entity
		0, 0, 0, 1, // component
		0, 0, 0, 100, // timestamp
		0, 0, 0, 1, // data length
		0xAB,
	}
	assert.Equal(t, want, buf)
}

func TestDecode_RoundTripMixedBatch(t *testing.T) {
	in := []Message{
		Put(1, 2, 3, []byte("payload")),
		Delete(4, 5, 6),
		RemoveEntity(9),
		Put(1, 3, 1, []byte{}),
	}
	buf := Encode(nil, in...)

	var faults []error
	out := Decode(buf, nil, func(err error) { faults = append(faults, err) })

	require.Empty(t, faults)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i].Type, out[i].Type)
		assert.Equal(t, in[i].Entity, out[i].Entity)
		assert.Equal(t, in[i].Component, out[i].Component)
		assert.Equal(t, in[i].Timestamp, out[i].Timestamp)
		assert.Equal(t, len(in[i].Data), len(out[i].Data))
	}
	assert.Equal(t, []byte("payload"), out[0].Data)
}

func TestDecode_UnknownTypeIsSkipped(t *testing.T) {
	buf := []byte{0, 0, 0, 12, 0, 0, 0, 77, 1, 2, 3, 4}
	buf = Encode(buf, Delete(1, 1, 1))

	var faults []error
	out := Decode(buf, nil, func(err error) { faults = append(faults, err) })

	require.Len(t, faults, 1)
	assert.True(t, IsDecodeError(faults[0]))
	require.Len(t, out, 1, "decoding continues after an unknown type")
	assert.Equal(t, DeleteComponent, out[0].Type)
}

func TestDecode_PayloadLengthMismatchDoesNotStopBatch(t *testing.T) {
	bad := Encode(nil, Put(1, 1, 1, []byte("abcd")))
	bad[8+12+3] = 9 // claims 9 payload bytes, frame holds 4
	buf := Encode(bad, Put(2, 1, 1, []byte("ok")))

	var faults []error
	out := Decode(buf, nil, func(err error) { faults = append(faults, err) })

	require.Len(t, faults, 1)
	require.Len(t, out, 1)
	assert.Equal(t, EntityID(2), out[0].Entity)
}

func TestDecode_TruncatedStopsDecoding(t *testing.T) {
	buf := Encode(nil, Put(1, 1, 1, []byte("abcd")), Put(2, 1, 1, []byte("efgh")))
	buf = buf[:len(buf)-2]

	var faults []error
	out := Decode(buf, nil, func(err error) { faults = append(faults, err) })

	require.Len(t, out, 1)
	require.Len(t, faults, 1)
	var de *DecodeError
	require.ErrorAs(t, faults[0], &de)
	assert.Equal(t, "length out of range", de.Reason)
}

func TestDecode_TruncatedHeader(t *testing.T) {
	var faults []error
	out := Decode([]byte{0, 0, 0}, nil, func(err error) { faults = append(faults, err) })

	assert.Empty(t, out)
	require.Len(t, faults, 1)
	assert.Contains(t, faults[0].Error(), "truncated header")
}

func TestDecode_NilFaultCallback(t *testing.T) {
	assert.NotPanics(t, func() {
		Decode([]byte{1, 2}, nil, nil)
	})
}

func TestDecode_AppendsToDst(t *testing.T) {
	dst := make([]Message, 0, 8)
	dst = append(dst, RemoveEntity(1))
	out := Decode(Encode(nil, RemoveEntity(2)), dst, nil)
	assert.Len(t, out, 2)
}
