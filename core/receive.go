package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/cmwaters/mempool/pkg/group"
)

// receivePeerMessages pumps messages from the transport into the bounded
// peers channel consumed by the event loop.
func (c *Core) receivePeerMessages(ctx context.Context, peers chan<- *Message) error {
	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receiving peer message: %w", err)
		}
		if msg == nil {
			continue
		}
		if err := deliver(ctx, peers, msg); err != nil {
			return err
		}
	}
}

// handlePeerMessage dispatches a message received from another authority.
// Invalid messages are logged and dropped, only store failures are returned.
func (c *Core) handlePeerMessage(ctx context.Context, msg *Message) error {
	if err := msg.ValidateForm(); err != nil {
		c.reject(msg, reasonMalformed, err)
		return nil
	}

	switch msg.Type {
	case BatchMessage:
		return c.handlePeerBatch(ctx, msg)
	case SyncRequestMessage:
		return c.handleSyncRequest(ctx, msg)
	default:
		c.reject(msg, reasonMalformed, fmt.Errorf("received unsupported msg: %d", msg.Type))
		return nil
	}
}

// handlePeerBatch persists a batch disseminated or returned by a peer. The
// batch is never re-broadcast: dissemination is one hop only. The
// synchronizer is always told about the arrival so that any waiter for the
// digest is resolved.
func (c *Core) handlePeerBatch(ctx context.Context, msg *Message) error {
	// checked first so that a Byzantine peer cannot make us hash or decode
	// arbitrarily large payloads
	if len(msg.Payload) > c.parameters.MaxPayloadSize {
		c.reject(msg, reasonOversized, fmt.Errorf("payload of %d bytes exceeds max of %d", len(msg.Payload), c.parameters.MaxPayloadSize))
		return nil
	}

	member, err := c.sender(msg)
	if err != nil {
		c.reject(msg, reasonUnknownSender, err)
		return nil
	}

	digest := Hash(c.hasher, msg.Payload)
	if !member.Verify(EncodeMsgToSign(BatchMessage, digest), msg.Signature) {
		c.reject(msg, reasonInvalidSignature, fmt.Errorf("invalid signature for batch %s", digest))
		return nil
	}

	batch, err := UnmarshalBatch(msg.Payload)
	if err != nil {
		c.reject(msg, reasonMalformed, err)
		return nil
	}

	stored, err := c.store.Has(digest)
	if err != nil {
		return fmt.Errorf("%w: looking up batch %s: %w", ErrStore, digest, err)
	}
	if stored {
		c.metrics.receivedBatches.WithLabelValues("duplicate").Inc()
	} else {
		if err := c.store.Put(digest, msg.Payload); err != nil {
			return fmt.Errorf("%w: persisting batch %s: %w", ErrStore, digest, err)
		}
		c.metrics.receivedBatches.WithLabelValues("stored").Inc()
		c.logger.Debug().
			Str("digest", digest.String()).
			Int("size", len(msg.Payload)).
			Hex("sender", msg.Sender).
			Str("origin", OtherBatch.String()).
			Msg("stored batch from peer")
	}

	return c.synchronizer.Arrived(ctx, digest, batch)
}

// handleSyncRequest sends back every requested batch this authority holds.
// Digests that are not stored locally are ignored: the requester keeps
// retrying with the rest of the committee.
func (c *Core) handleSyncRequest(ctx context.Context, msg *Message) error {
	member, err := c.sender(msg)
	if err != nil {
		c.reject(msg, reasonUnknownSender, err)
		return nil
	}
	if !member.Verify(EncodeMsgToSign(SyncRequestMessage, msg.Digests...), msg.Signature) {
		c.reject(msg, reasonInvalidSignature, errors.New("invalid signature for sync request"))
		return nil
	}

	for _, digest := range msg.Digests {
		data, err := c.store.Get(digest)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: reading batch %s: %w", ErrStore, digest, err)
		}

		reply, err := newBatchMessage(ctx, c.signer, digest, data)
		if err != nil {
			c.logger.Err(err).Msg("creating batch reply")
			continue
		}
		if err := c.outbox.Send(ctx, msg.Sender, reply); err != nil {
			c.logger.Err(err).
				Str("digest", digest.String()).
				Hex("requester", msg.Sender).
				Msg("replying to sync request")
			continue
		}
		c.metrics.syncServed.Inc()
	}
	return nil
}

// sender resolves the committee member that sent msg. Messages claiming to
// come from this authority are rejected as they can only be replays.
func (c *Core) sender(msg *Message) (group.Member, error) {
	if bytes.Equal(msg.Sender, c.id) {
		return nil, errors.New("message claims to come from ourselves")
	}
	member, ok := c.committee.GetMemberByID(msg.Sender)
	if !ok {
		return nil, fmt.Errorf("sender %X is not a member of the committee", msg.Sender)
	}
	return member, nil
}

func (c *Core) reject(msg *Message, reason string, err error) {
	c.metrics.rejectedMessages.WithLabelValues(msg.Type.String(), reason).Inc()
	c.logger.Info().
		Err(err).
		Str("type", msg.Type.String()).
		Hex("sender", msg.Sender).
		Str("reason", reason).
		Msg("rejected peer message")
}
