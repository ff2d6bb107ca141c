package core

import (
	"crypto"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// DigestSize is the length in bytes of a batch digest
const DigestSize = 32

// Transaction is an opaque byte string submitted by a client. The mempool
// never interprets its contents.
type Transaction []byte

// Digest is the content hash of a serialized batch. It is the sole identifier
// used in storage, network requests and consensus references.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != DigestSize {
		return fmt.Errorf("invalid digest length %d", hex.DecodedLen(len(text)))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// DigestFromBytes copies b into a digest
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("invalid digest length %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Hash computes the digest of data using the provided hash function. The
// hash function must be available and produce 32 byte outputs.
func Hash(h crypto.Hash, data []byte) Digest {
	hasher := h.New()
	hasher.Write(data)
	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d
}

// Origin tells whether a batch was sealed locally or received from a peer.
// Only own batches are broadcast.
type Origin uint8

const (
	OwnBatch Origin = iota + 1
	OtherBatch
)

func (o Origin) String() string {
	switch o {
	case OwnBatch:
		return "own"
	case OtherBatch:
		return "other"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyBatch        = errors.New("batch contains no transactions")
	ErrMalformedBatch    = errors.New("malformed batch")
	ErrNonCanonicalBatch = errors.New("batch is not canonically encoded")
)

// Batch is an ordered sequence of transactions. It is immutable once sealed.
//
// The serialized form is:
// uvarint number of transactions
// for each transaction: uvarint length followed by the raw bytes
type Batch struct {
	Transactions []Transaction
}

// Size returns the length of the serialized batch
func (b *Batch) Size() int {
	size := uvarintSize(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		size += uvarintSize(uint64(len(tx))) + len(tx)
	}
	return size
}

func (b *Batch) Marshal() []byte {
	buf := make([]byte, 0, b.Size())
	buf = binary.AppendUvarint(buf, uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		buf = binary.AppendUvarint(buf, uint64(len(tx)))
		buf = append(buf, tx...)
	}
	return buf
}

// UnmarshalBatch decodes a serialized batch. It rejects empty batches,
// truncated or trailing data and non-minimal length prefixes so that every
// batch has exactly one encoding.
func UnmarshalBatch(data []byte) (*Batch, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: reading transaction count", ErrMalformedBatch)
	}
	if count == 0 {
		return nil, ErrEmptyBatch
	}
	// every transaction takes at least one byte for its length prefix
	if count > uint64(len(data)-n) {
		return nil, fmt.Errorf("%w: %d transactions cannot fit in %d bytes", ErrMalformedBatch, count, len(data))
	}
	offset := n
	txs := make([]Transaction, 0, count)
	for i := uint64(0); i < count; i++ {
		length, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: reading length of transaction %d", ErrMalformedBatch, i)
		}
		offset += n
		if length > uint64(len(data)-offset) {
			return nil, fmt.Errorf("%w: transaction %d overflows batch", ErrMalformedBatch, i)
		}
		tx := make(Transaction, length)
		copy(tx, data[offset:offset+int(length)])
		txs = append(txs, tx)
		offset += int(length)
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedBatch, len(data)-offset)
	}
	batch := &Batch{Transactions: txs}
	if batch.Size() != len(data) {
		return nil, ErrNonCanonicalBatch
	}
	return batch, nil
}

func uvarintSize(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
