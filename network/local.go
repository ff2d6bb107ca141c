package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/cmwaters/mempool/core"
)

// Filter is consulted for every message routed by a LocalNetwork. Returning
// false drops the message, which is used to simulate an unreliable network.
// It may be called concurrently.
type Filter func(from, to []byte, msg *core.Message) bool

// LocalNetwork connects transports within the same process. Messages are
// encoded and decoded exactly as they would be on the wire. Every transport
// has a bounded inbox: senders block while it is full.
type LocalNetwork struct {
	mtx        sync.RWMutex
	transports map[string]*LocalTransport
	capacity   int
	filter     Filter
}

func NewLocalNetwork(capacity int) *LocalNetwork {
	return &LocalNetwork{
		transports: make(map[string]*LocalTransport),
		capacity:   capacity,
	}
}

// Join creates the transport of the authority with the given id
func (n *LocalNetwork) Join(id []byte) *LocalTransport {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	t := &LocalTransport{
		id:      id,
		network: n,
		inbox:   make(chan []byte, n.capacity),
		closed:  make(chan struct{}),
	}
	n.transports[string(id)] = t
	return t
}

func (n *LocalNetwork) SetFilter(filter Filter) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.filter = filter
}

func (n *LocalNetwork) peers(self []byte) ([]*LocalTransport, Filter) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	peers := make([]*LocalTransport, 0, len(n.transports))
	for id, t := range n.transports {
		if id != string(self) {
			peers = append(peers, t)
		}
	}
	return peers, n.filter
}

func (n *LocalNetwork) peer(id []byte) (*LocalTransport, Filter, bool) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	t, ok := n.transports[string(id)]
	return t, n.filter, ok
}

func (n *LocalNetwork) leave(t *LocalTransport) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.transports[string(t.id)] == t {
		delete(n.transports, string(t.id))
	}
}

var _ core.Transport = (*LocalTransport)(nil)

type LocalTransport struct {
	id      []byte
	network *LocalNetwork
	inbox   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (t *LocalTransport) Broadcast(ctx context.Context, msg *core.Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	peers, filter := t.network.peers(t.id)
	for _, peer := range peers {
		if err := t.deliver(ctx, peer, filter, msg, data); err != nil {
			return err
		}
	}
	return nil
}

func (t *LocalTransport) Send(ctx context.Context, to []byte, msg *core.Message) error {
	peer, filter, ok := t.network.peer(to)
	if !ok {
		return fmt.Errorf("unknown authority %X", to)
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return t.deliver(ctx, peer, filter, msg, data)
}

func (t *LocalTransport) deliver(ctx context.Context, peer *LocalTransport, filter Filter, msg *core.Message, data []byte) error {
	if filter != nil && !filter(t.id, peer.id, msg) {
		return nil
	}
	select {
	case peer.inbox <- data:
		return nil
	case <-peer.closed:
		// messages to departed peers are lost like on a real network
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next well formed message. Malformed messages are
// silently dropped.
func (t *LocalTransport) Receive(ctx context.Context) (*core.Message, error) {
	for {
		select {
		case data := <-t.inbox:
			msg, err := Decode(data)
			if err != nil {
				continue
			}
			return msg, nil
		case <-t.closed:
			return nil, core.ErrTransportClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.network.leave(t)
	})
	return nil
}

// Inject places raw bytes in the inbox of the transport as if a peer had
// sent them. Useful to exercise handling of malformed traffic.
func (t *LocalTransport) Inject(ctx context.Context, data []byte) error {
	select {
	case t.inbox <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
