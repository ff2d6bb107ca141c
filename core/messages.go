package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/cmwaters/mempool/pkg/sign"
)

// MaxSyncDigests caps the number of digests in a single sync request
const MaxSyncDigests = 1024

// MessageType distinguishes the peer protocol messages
type MessageType uint8

const (
	// BatchMessage carries a serialized batch. It is used both to disseminate
	// freshly sealed batches and to answer sync requests.
	BatchMessage MessageType = iota + 1
	// SyncRequestMessage asks the receiver to send back the batches with the
	// listed digests.
	SyncRequestMessage
)

func (t MessageType) String() string {
	switch t {
	case BatchMessage:
		return "batch"
	case SyncRequestMessage:
		return "sync_request"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is exchanged between authorities. Every message is signed by the
// authority that sends it.
type Message struct {
	Type      MessageType `json:"type"`
	Sender    []byte      `json:"sender"`
	Signature []byte      `json:"signature"`
	Payload   []byte      `json:"payload,omitempty"`
	Digests   []Digest    `json:"digests,omitempty"`
}

// ValidateForm checks the structure of the message without verifying
// the signature or decoding the payload.
func (m *Message) ValidateForm() error {
	if len(m.Sender) == 0 {
		return errors.New("message has no sender")
	}
	if len(m.Signature) == 0 {
		return errors.New("message does not contain any signature")
	}
	switch m.Type {
	case BatchMessage:
		if len(m.Payload) == 0 {
			return errors.New("batch message has no payload")
		}
		if len(m.Digests) != 0 {
			return errors.New("batch message must not carry digests")
		}
	case SyncRequestMessage:
		if len(m.Digests) == 0 {
			return errors.New("sync request has no digests")
		}
		if len(m.Digests) > MaxSyncDigests {
			return fmt.Errorf("sync request has %d digests, max %d", len(m.Digests), MaxSyncDigests)
		}
		if len(m.Payload) != 0 {
			return errors.New("sync request must not carry a payload")
		}
	default:
		return fmt.Errorf("unsupported message type %d", m.Type)
	}
	return nil
}

// EncodeMsgToSign encodes the information to be signed over
//
// The format is:
// 1 byte message type (also used for versioning)
// 32 bytes for each digest
//
// A batch message signs over the digest of its payload. A sync request signs
// over the requested digests in order.
func EncodeMsgToSign(msgType MessageType, digests ...Digest) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 1+len(digests)*DigestSize))
	buf.WriteByte(byte(msgType))
	for _, d := range digests {
		buf.Write(d[:])
	}
	return buf.Bytes()
}

func newBatchMessage(ctx context.Context, signer sign.Signer, digest Digest, payload []byte) (*Message, error) {
	signature, err := signer.Sign(ctx, EncodeMsgToSign(BatchMessage, digest))
	if err != nil {
		return nil, fmt.Errorf("signing batch %s: %w", digest, err)
	}
	return &Message{
		Type:      BatchMessage,
		Sender:    signer.ID(),
		Signature: signature,
		Payload:   payload,
	}, nil
}

func newSyncRequest(ctx context.Context, signer sign.Signer, digests []Digest) (*Message, error) {
	signature, err := signer.Sign(ctx, EncodeMsgToSign(SyncRequestMessage, digests...))
	if err != nil {
		return nil, fmt.Errorf("signing sync request: %w", err)
	}
	return &Message{
		Type:      SyncRequestMessage,
		Sender:    signer.ID(),
		Signature: signature,
		Digests:   digests,
	}, nil
}

// ConsensusMempoolMessage is sent by consensus to the mempool. It is either
// a Get or a Cleanup.
type ConsensusMempoolMessage interface {
	consensusMempoolMessage()
}

// Get asks for the batch with the given digest. If the batch is stored
// locally the reply is immediate, otherwise the batch is fetched from peers
// and the reply is sent once it arrives.
//
// The reply goes to Reply when set, otherwise a BatchResolved message is
// emitted on the consensus channel.
type Get struct {
	Digest Digest
	// Round is the consensus round that references the digest. It is used to
	// garbage collect the request with a later Cleanup.
	Round uint64
	// Author optionally names the authority that is expected to hold the
	// batch, usually the author of the block. The first fetch is addressed to
	// it, retries go to everyone.
	Author []byte
	// Reply must have room for one batch. The batch is never waited on: if
	// the channel is full when the batch is available the reply is dropped.
	Reply chan<- *Batch
}

// Cleanup drops pending requests that consensus no longer needs: every
// request made for a round less than or equal to Round (if Round is non-zero)
// and every listed digest. Dropped requests are never resolved.
type Cleanup struct {
	Round   uint64
	Digests []Digest
}

func (Get) consensusMempoolMessage()     {}
func (Cleanup) consensusMempoolMessage() {}

// ConsensusMessageKind tells consensus why it is being notified
type ConsensusMessageKind uint8

const (
	// BatchSealed announces a digest of a batch sealed by this authority that
	// is now available for inclusion in a proposal.
	BatchSealed ConsensusMessageKind = iota + 1
	// BatchResolved answers a Get which did not provide a reply channel.
	BatchResolved
)

func (k ConsensusMessageKind) String() string {
	switch k {
	case BatchSealed:
		return "sealed"
	case BatchResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ConsensusMessage is sent by the mempool to consensus
type ConsensusMessage struct {
	Kind   ConsensusMessageKind
	Digest Digest
	// Batch is only set for BatchResolved
	Batch *Batch
}

// deliver blocks until out accepts msg or ctx is cancelled
// tryReply hands the batch to a caller supplied channel without blocking
func tryReply(reply chan<- *Batch, batch *Batch) bool {
	select {
	case reply <- batch:
		return true
	default:
		return false
	}
}

func deliver[T any](ctx context.Context, out chan<- T, msg T) error {
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
