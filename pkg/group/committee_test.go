package group_test

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmwaters/mempool/pkg/group"
)

func newAuthority(t *testing.T, weight uint32) (*group.Authority, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return group.NewAuthority(pub, weight, "/ip4/127.0.0.1/tcp/7000", "127.0.0.1:8000"), priv
}

func TestCommittee(t *testing.T) {
	a, _ := newAuthority(t, 1)
	b, _ := newAuthority(t, 2)
	c, _ := newAuthority(t, 3)

	committee, err := group.NewCommittee([]*group.Authority{c, a, b})
	require.NoError(t, err)
	require.Equal(t, 3, committee.Size())
	require.EqualValues(t, 6, committee.TotalWeight())

	// members are ordered by id regardless of input order
	members := committee.Members()
	for i := 1; i < len(members); i++ {
		require.Negative(t, bytes.Compare(members[i-1].ID(), members[i].ID()))
	}
	require.Equal(t, members[0], committee.Member(0))
	require.Nil(t, committee.Member(3))

	got, ok := committee.GetMemberByID(b.ID())
	require.True(t, ok)
	require.EqualValues(t, 2, got.Weight())
	_, ok = committee.GetMemberByID([]byte("unknown"))
	require.False(t, ok)
}

func TestNewGroupRejects(t *testing.T) {
	a, _ := newAuthority(t, 1)
	zero, _ := newAuthority(t, 0)

	_, err := group.NewCommittee(nil)
	require.Error(t, err)
	_, err = group.NewCommittee([]*group.Authority{a, zero})
	require.Error(t, err)
	_, err = group.NewCommittee([]*group.Authority{a, a})
	require.Error(t, err)
	_, err = group.NewCommittee([]*group.Authority{group.NewAuthority(nil, 1, "", "")})
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	a, priv := newAuthority(t, 1)
	msg := []byte("digest")
	sig := ed25519.Sign(priv, msg)

	require.True(t, a.Verify(msg, sig))
	require.False(t, a.Verify([]byte("other"), sig))
	require.False(t, group.DefaultVerifyFunc()([]byte("short key"), msg, sig))

	var addressable group.Addressable = a
	require.Equal(t, "/ip4/127.0.0.1/tcp/7000", addressable.MempoolAddress())
	require.Equal(t, "127.0.0.1:8000", addressable.FrontAddress())
}
