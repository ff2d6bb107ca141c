package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cmwaters/mempool/pkg/group"
)

// CommitteeFile is the yaml representation of the committee
type CommitteeFile struct {
	Authorities []AuthorityConfig `yaml:"authorities"`
}

type AuthorityConfig struct {
	// PublicKey is the hex encoded ed25519 key, which is also the
	// authority's ID
	PublicKey string `yaml:"public_key"`
	// Weight defaults to 1
	Weight uint32 `yaml:"weight,omitempty"`
	// MempoolAddress is the libp2p multiaddr peers dial
	MempoolAddress string `yaml:"mempool_address"`
	// FrontAddress is the host:port clients submit transactions to
	FrontAddress string `yaml:"front_address"`
}

// LoadCommittee reads a committee file
func LoadCommittee(path string) (*group.Committee, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cf CommitteeFile
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cf); err != nil {
		return nil, fmt.Errorf("decoding committee file %s: %w", path, err)
	}
	return cf.Committee()
}

// Committee validates the file and builds the committee
func (cf CommitteeFile) Committee() (*group.Committee, error) {
	if len(cf.Authorities) == 0 {
		return nil, errors.New("committee has no authorities")
	}
	authorities := make([]*group.Authority, len(cf.Authorities))
	for i, a := range cf.Authorities {
		key, err := hex.DecodeString(a.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("authority %d: decoding public key: %w", i, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("authority %d: public key has %d bytes, expected %d", i, len(key), ed25519.PublicKeySize)
		}
		weight := a.Weight
		if weight == 0 {
			weight = 1
		}
		authorities[i] = group.NewAuthority(key, weight, a.MempoolAddress, a.FrontAddress)
	}
	return group.NewCommittee(authorities)
}

// Marshal encodes the authority as a yaml list entry that can be appended
// to a committee file.
func (a AuthorityConfig) Marshal() ([]byte, error) {
	return yaml.Marshal([]AuthorityConfig{a})
}

// WriteCommittee writes the committee file to path
func WriteCommittee(path string, cf CommitteeFile) error {
	data, err := yaml.Marshal(cf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
