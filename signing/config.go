package signing

import (
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"gopkg.in/yaml.v3"
)

// Peer is one signer node of a cluster.
type Peer struct {
	URL string         `yaml:"url" json:"url"`
	DID interfaces.DID `yaml:"did" json:"did"`
}

func (p Peer) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.URL, validation.Required, is.URL),
		validation.Field(&p.DID, validation.Required, validation.By(func(any) error {
			_, err := cryptoutils.PublicKeyFromDID(p.DID)
			return err
		})),
	)
}

// ClusterConfig describes a signer cluster. Both signer nodes (to reach their
// peers) and coordinators read it.
type ClusterConfig struct {
	Peers []Peer `yaml:"peers"`
	// Threshold is the tss threshold t; t+1 nodes sign.
	Threshold int `yaml:"threshold"`
}

func (c ClusterConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Peers, validation.Required, validation.Length(2, 0)),
		validation.Field(&c.Threshold, validation.Required, validation.Min(1), validation.Max(len(c.Peers)-1)),
	)
}

// PeerMap maps every peer DID to its base URL.
func (c ClusterConfig) PeerMap() map[interfaces.DID]string {
	out := make(map[interfaces.DID]string, len(c.Peers))
	for _, p := range c.Peers {
		out[p.DID] = p.URL
	}
	return out
}

// DIDs lists the peer DIDs in configuration order.
func (c ClusterConfig) DIDs() []interfaces.DID {
	out := make([]interfaces.DID, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, p.DID)
	}
	return out
}

// LoadClusterConfig reads a YAML cluster definition.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read cluster config: %w", err)
	}
	return ParseClusterConfig(raw)
}

func ParseClusterConfig(raw []byte) (*ClusterConfig, error) {
	var cfg ClusterConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("could not parse cluster config: %w", err)
	}
	seen := make(map[interfaces.DID]struct{}, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if _, dup := seen[p.DID]; dup {
			return nil, fmt.Errorf("invalid cluster config: duplicate peer %s", p.DID)
		}
		seen[p.DID] = struct{}{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}
	return &cfg, nil
}
