package core

import "time"

// batcher accumulates client transactions into the next batch. It tracks the
// serialized size incrementally so that the size limit can be enforced before
// a transaction is appended.
type batcher struct {
	maxSize int

	txs  []Transaction
	body int // serialized size of the transactions excluding the count prefix

	// startedAt is when the first transaction entered the current buffer
	startedAt time.Time
}

func newBatcher(maxSize int) *batcher {
	return &batcher{maxSize: maxSize}
}

func (b *batcher) empty() bool {
	return len(b.txs) == 0
}

func (b *batcher) len() int {
	return len(b.txs)
}

// size returns the serialized size of the buffer were it sealed now
func (b *batcher) size() int {
	return uvarintSize(uint64(len(b.txs))) + b.body
}

// sizeWith returns the serialized size of the buffer with tx appended
func (b *batcher) sizeWith(tx Transaction) int {
	return uvarintSize(uint64(len(b.txs)+1)) + b.body + txSize(tx)
}

// fits reports whether tx can be appended without exceeding the limit
func (b *batcher) fits(tx Transaction) bool {
	return b.sizeWith(tx) <= b.maxSize
}

// fitsAlone reports whether tx could ever be included in a batch
func (b *batcher) fitsAlone(tx Transaction) bool {
	return uvarintSize(1)+txSize(tx) <= b.maxSize
}

func (b *batcher) add(tx Transaction, now time.Time) {
	if b.empty() {
		b.startedAt = now
	}
	b.txs = append(b.txs, tx)
	b.body += txSize(tx)
}

// age returns how long the oldest transaction in the buffer has waited
func (b *batcher) age(now time.Time) time.Duration {
	if b.empty() {
		return 0
	}
	return now.Sub(b.startedAt)
}

// seal hands over the buffered transactions as a batch and clears the buffer
func (b *batcher) seal() *Batch {
	batch := &Batch{Transactions: b.txs}
	b.txs = nil
	b.body = 0
	b.startedAt = time.Time{}
	return batch
}

func txSize(tx Transaction) int {
	return uvarintSize(uint64(len(tx))) + len(tx)
}
