package group

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

var _ Group = (*Committee)(nil)

// Committee is a fixed collection of authorities. Members are ordered by
// their ID so that every node derives the same indices from the same set.
type Committee struct {
	members     []Member
	index       map[string]int
	totalWeight uint64
}

// NewCommittee creates a committee from a set of authorities
func NewCommittee(authorities []*Authority) (*Committee, error) {
	members := make([]Member, len(authorities))
	for i, a := range authorities {
		members[i] = a
	}
	return NewGroup(members)
}

// NewGroup creates a committee from any set of members
func NewGroup(memberSet []Member) (*Committee, error) {
	if len(memberSet) == 0 {
		return nil, errors.New("memberset must have at least one member")
	}

	var totalWeight uint64 = 0
	for idx, m := range memberSet {
		if m.Weight() == 0 {
			return nil, fmt.Errorf("member %d has 0 weight", idx)
		}
		if len(m.ID()) == 0 {
			return nil, fmt.Errorf("member %d has an empty id", idx)
		}
		totalWeight += uint64(m.Weight())
	}

	c := &Committee{
		members:     append([]Member(nil), memberSet...),
		index:       make(map[string]int, len(memberSet)),
		totalWeight: totalWeight,
	}
	sort.Slice(c.members, func(i, j int) bool {
		return bytes.Compare(c.members[i].ID(), c.members[j].ID()) < 0
	})
	for idx, m := range c.members {
		if _, ok := c.index[string(m.ID())]; ok {
			return nil, fmt.Errorf("members have the same id %X", m.ID())
		}
		c.index[string(m.ID())] = idx
	}
	return c, nil
}

// Member returns the member at the given index or nil if out of range
func (c *Committee) Member(index uint) Member {
	if index >= uint(len(c.members)) {
		return nil
	}
	return c.members[index]
}

func (c *Committee) GetMemberByID(id []byte) (Member, bool) {
	idx, ok := c.index[string(id)]
	if !ok {
		return nil, false
	}
	return c.members[idx], true
}

// Members returns the underlying member set
func (c *Committee) Members() []Member {
	return c.members
}

func (c *Committee) TotalWeight() uint64 {
	return c.totalWeight
}

func (c *Committee) Size() int {
	return len(c.members)
}
