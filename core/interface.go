package core

import (
	"context"
	"errors"
	"io"
)

type (
	// Transport delivers peer messages between authorities. Implementations are
	// responsible for framing, connection management and retrying sends. The
	// mempool itself never distinguishes a lost message from a slow one: missing
	// batches are recovered by the Synchronizer's retries.
	Transport interface {
		io.Closer
		Sender
		Receiver
	}

	Sender interface {
		// Broadcast sends the message to every other authority in the committee
		Broadcast(context.Context, *Message) error
		// Send sends the message to the authority with the given ID
		Send(ctx context.Context, to []byte, msg *Message) error
	}

	Receiver interface {
		// Receive blocks until the next message from a peer arrives. Malformed
		// messages are dropped by the transport. An error is only returned when
		// the transport can no longer deliver messages.
		Receive(context.Context) (*Message, error)
	}

	// Store is a durable content-addressed blob store. Writing the same digest
	// twice is idempotent because the key is derived from the value.
	Store interface {
		io.Closer
		Put(Digest, []byte) error
		// Get returns ErrNotFound if no value is stored under the digest
		Get(Digest) ([]byte, error)
		Has(Digest) (bool, error)
	}
)

var (
	ErrNotFound = errors.New("batch not found")

	// ErrStore marks failures of the durable store. They are fatal to the
	// Core since losing durability would break content addressing.
	ErrStore = errors.New("store failure")

	// ErrTransportClosed is returned by Transport.Receive after Close
	ErrTransportClosed = errors.New("transport closed")
)
