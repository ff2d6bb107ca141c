package core

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBatcherSize(t *testing.T) {
	b := newBatcher(1000)
	require.True(t, b.empty())

	now := time.Now()
	tx1 := bytes.Repeat([]byte{1}, 900)
	require.True(t, b.fits(tx1))
	b.add(tx1, now)
	require.Equal(t, 1+2+900, b.size())

	tx2 := bytes.Repeat([]byte{2}, 200)
	require.False(t, b.fits(tx2))
	require.True(t, b.fitsAlone(tx2))

	require.Equal(t, 50*time.Millisecond, b.age(now.Add(50*time.Millisecond)))

	size := b.size()
	batch := b.seal()
	require.Len(t, batch.Transactions, 1)
	require.Equal(t, size, len(batch.Marshal()))
	require.True(t, b.empty())
	require.Zero(t, b.age(now.Add(time.Second)))
}

func TestBatcherCountPrefixGrowth(t *testing.T) {
	// 127 one byte transactions use a single byte count, the 128th needs two
	b := newBatcher(1 + 127*2 + 1)
	for i := 0; i < 127; i++ {
		require.True(t, b.fits(Transaction{byte(i)}))
		b.add(Transaction{byte(i)}, time.Now())
	}
	require.Equal(t, b.maxSize-1, b.size())
	require.False(t, b.fits(Transaction{0xFF}))
	require.Equal(t, b.size(), len(b.seal().Marshal()))
}

func TestBatcherFitsAlone(t *testing.T) {
	b := newBatcher(10)
	require.True(t, b.fitsAlone(make(Transaction, 8)))
	require.False(t, b.fitsAlone(make(Transaction, 9)))
}
