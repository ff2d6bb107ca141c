package core_test

import (
	"bytes"
	"crypto"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmwaters/mempool/core"
)

func TestBatchRoundTrip(t *testing.T) {
	batch := &core.Batch{Transactions: []core.Transaction{
		[]byte("a"),
		bytes.Repeat([]byte{0xAB}, 300),
		[]byte("xyz"),
	}}
	data := batch.Marshal()
	require.Len(t, data, batch.Size())
	// 1 byte count, 1+1, 2+300, 1+3
	require.Equal(t, 1+2+302+4, batch.Size())

	got, err := core.UnmarshalBatch(data)
	require.NoError(t, err)
	require.Equal(t, batch, got)
}

func TestUnmarshalBatchRejects(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		err  error
	}{
		{"no data", nil, core.ErrMalformedBatch},
		{"empty batch", []byte{0x00}, core.ErrEmptyBatch},
		{"truncated transaction", []byte{0x01, 0x05, 'a', 'b'}, core.ErrMalformedBatch},
		{"count exceeds data", []byte{0x03, 0x00}, core.ErrMalformedBatch},
		{"trailing bytes", []byte{0x01, 0x01, 'a', 'b'}, core.ErrMalformedBatch},
		{"missing length", []byte{0x02, 0x01, 'a'}, core.ErrMalformedBatch},
		{"non minimal count", []byte{0x81, 0x00, 0x01, 'a'}, core.ErrNonCanonicalBatch},
		{"non minimal length", []byte{0x01, 0x81, 0x00, 'a'}, core.ErrNonCanonicalBatch},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := core.UnmarshalBatch(tc.data)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestContentAddressing(t *testing.T) {
	a := &core.Batch{Transactions: []core.Transaction{[]byte("tx1"), []byte("tx2")}}
	b := &core.Batch{Transactions: []core.Transaction{[]byte("tx1"), []byte("tx2")}}
	c := &core.Batch{Transactions: []core.Transaction{[]byte("tx2"), []byte("tx1")}}

	da := core.Hash(core.DefaultHashFunc, a.Marshal())
	require.Equal(t, da, core.Hash(core.DefaultHashFunc, b.Marshal()))
	require.NotEqual(t, da, core.Hash(core.DefaultHashFunc, c.Marshal()))
	require.NotEqual(t, da, core.Hash(crypto.BLAKE2b_256, a.Marshal()))
}

func TestDigestText(t *testing.T) {
	d := core.Hash(core.DefaultHashFunc, []byte("hello"))
	bz, err := json.Marshal(d)
	require.NoError(t, err)
	require.Equal(t, `"`+d.String()+`"`, string(bz))

	var got core.Digest
	require.NoError(t, json.Unmarshal(bz, &got))
	require.Equal(t, d, got)

	require.Error(t, got.UnmarshalText([]byte("abcd")))

	fromBytes, err := core.DigestFromBytes(d[:])
	require.NoError(t, err)
	require.Equal(t, d, fromBytes)
	_, err = core.DigestFromBytes(d[:31])
	require.Error(t, err)
}
