package p2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/cmwaters/mempool/pkg/group"
)

// AddrInfo resolves the libp2p address of an authority. The mempool address
// of the authority must be a multiaddr and may omit the /p2p component.
func AddrInfo(a group.Addressable, resolve Resolver) (peer.AddrInfo, error) {
	addr, err := ma.NewMultiaddr(a.MempoolAddress())
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("parsing mempool address %q: %w", a.MempoolAddress(), err)
	}
	pid, err := resolve(a.ID())
	if err != nil {
		return peer.AddrInfo{}, err
	}
	transport, id := peer.SplitAddr(addr)
	if id != "" && id != pid {
		return peer.AddrInfo{}, fmt.Errorf("address %s belongs to %s, expected %s", addr, id, pid)
	}
	return peer.AddrInfo{ID: pid, Addrs: []ma.Multiaddr{transport}}, nil
}

// Connect dials every other authority of the committee. Addresses are
// kept in the peerstore permanently so that later streams can redial.
// Connection failures are returned together but do not stop the loop.
func Connect(ctx context.Context, h host.Host, committee group.Group, resolve Resolver) error {
	var errs error
	for _, m := range committee.Members() {
		a, ok := m.(group.Addressable)
		if !ok || a.MempoolAddress() == "" {
			continue
		}
		info, err := AddrInfo(a, resolve)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ID == h.ID() {
			continue
		}
		h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
		if err := h.Connect(ctx, info); err != nil {
			errs = errors.Join(errs, fmt.Errorf("connecting to %s: %w", info.ID, err))
		}
	}
	return errs
}
