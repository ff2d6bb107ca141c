package group

// Group is the set of authorities that disseminate batches to one another.
// It is treated as an immutable snapshot for the duration of a run.
type Group interface {
	Member(index uint) Member
	GetMemberByID(id []byte) (Member, bool)
	Members() []Member
	TotalWeight() uint64
	Size() int
}

type Member interface {
	ID() []byte
	Weight() uint32
	Verify(msg, sig []byte) bool
}

// Addressable members expose the network endpoints used by the mempool.
type Addressable interface {
	Member
	// MempoolAddress is where the authority receives peer messages (a multiaddr).
	MempoolAddress() string
	// FrontAddress is where the authority accepts client transactions (host:port).
	FrontAddress() string
}
