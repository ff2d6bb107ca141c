package sign

import (
	"context"
	"crypto/ed25519"

	"github.com/cmwaters/mempool/pkg/group"
)

type TestSigner struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

func NewTestSigner() *TestSigner {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return &TestSigner{
		privateKey: priv,
		publicKey:  pub,
	}
}

func (s *TestSigner) Sign(_ context.Context, msg []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, msg), nil
}

func (s *TestSigner) ID() []byte {
	return s.publicKey
}

func (s *TestSigner) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

func (s *TestSigner) ToMember(weight uint32) *group.Authority {
	return group.NewAuthority(s.publicKey, weight, "", "")
}

// TestCommittee builds a committee of n authorities with equal weight and
// returns the signers backing them.
func TestCommittee(n int) (*group.Committee, []*TestSigner) {
	signers := make([]*TestSigner, n)
	members := make([]*group.Authority, n)
	for i := range signers {
		signers[i] = NewTestSigner()
		members[i] = signers[i].ToMember(1)
	}
	committee, err := group.NewCommittee(members)
	if err != nil {
		panic(err)
	}
	return committee, signers
}
