package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cmwaters/mempool/pkg/group"
)

// ErrOutboxFull is returned when a message cannot be queued because the
// destination is too far behind. The message is dropped.
var ErrOutboxFull = errors.New("outbound queue full")

var _ Sender = (*outbox)(nil)

// outbox moves sends off the event loops. Every other committee member has
// its own bounded queue drained by its own goroutine, broadcasts have one
// more. A slow or unreachable peer therefore only delays messages addressed
// to it. Queuing never blocks: when a queue is full the message is dropped,
// which the Synchronizer's retries recover from.
type outbox struct {
	transport Sender
	broadcast chan *Message
	peers     map[string]chan *Message

	metrics *Metrics
	logger  zerolog.Logger
}

func newOutbox(self []byte, committee group.Group, transport Sender, capacity int, metrics *Metrics, logger zerolog.Logger) *outbox {
	o := &outbox{
		transport: transport,
		broadcast: make(chan *Message, capacity),
		peers:     make(map[string]chan *Message, committee.Size()),
		metrics:   metrics,
		logger:    logger,
	}
	for _, member := range committee.Members() {
		if bytes.Equal(member.ID(), self) {
			continue
		}
		o.peers[string(member.ID())] = make(chan *Message, capacity)
	}
	return o
}

func (o *outbox) Broadcast(_ context.Context, msg *Message) error {
	return o.enqueue(o.broadcast, "broadcast", msg)
}

func (o *outbox) Send(_ context.Context, to []byte, msg *Message) error {
	queue, ok := o.peers[string(to)]
	if !ok {
		return fmt.Errorf("no outbound queue for %X", to)
	}
	return o.enqueue(queue, "direct", msg)
}

func (o *outbox) enqueue(queue chan<- *Message, kind string, msg *Message) error {
	select {
	case queue <- msg:
		return nil
	default:
		o.metrics.droppedOutbound.WithLabelValues(kind).Inc()
		return ErrOutboxFull
	}
}

// run drains every queue until the context is cancelled. Messages still
// queued at that point are sent by the next run.
func (o *outbox) run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(len(o.peers) + 1)
	go func() {
		defer wg.Done()
		o.drain(ctx, nil, o.broadcast)
	}()
	for id, queue := range o.peers {
		id, queue := id, queue
		go func() {
			defer wg.Done()
			o.drain(ctx, []byte(id), queue)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// drain hands queued messages to the transport one at a time. A nil
// recipient drains the broadcast queue.
func (o *outbox) drain(ctx context.Context, to []byte, queue <-chan *Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			var err error
			if to == nil {
				err = o.transport.Broadcast(ctx, msg)
			} else {
				err = o.transport.Send(ctx, to, msg)
			}
			if err != nil && ctx.Err() == nil {
				o.logger.Err(err).
					Hex("to", to).
					Str("type", msg.Type.String()).
					Msg("sending message")
			}
		}
	}
}
