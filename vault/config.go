package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/ruteri/secretvault/blindfold"
	"github.com/ruteri/secretvault/interfaces"
	"gopkg.in/yaml.v3"
)

const defaultTokenTTL = time.Minute

// NodeConfig identifies one storage node.
type NodeConfig struct {
	URL string         `yaml:"url" json:"url"`
	DID interfaces.DID `yaml:"did" json:"did"`
}

func (n NodeConfig) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.URL, validation.Required, is.URL),
		validation.Field(&n.DID, validation.Required, validation.By(validDID)),
	)
}

// DiscoveryConfig locates nodes through a DNS SRV record.
type DiscoveryConfig struct {
	// SRV is the record name, for example _nildb._tcp.example.com.
	SRV string `yaml:"srv"`
	// Resolver is the DNS server address (host:port).
	Resolver string `yaml:"resolver"`
	// Scheme of the node URLs, http or https.
	Scheme string `yaml:"scheme"`
}

func (d DiscoveryConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.SRV, validation.Required),
		validation.Field(&d.Resolver, validation.Required),
		validation.Field(&d.Scheme, validation.In("http", "https")),
	)
}

// KeyConfig describes the blindfold key used for records.
type KeyConfig struct {
	// Secret keys seal every share for its node. Reading secret records
	// requires the same seed.
	Secret bool `yaml:"secret"`
	// Seed is the hex encoded key seed of a secret key.
	Seed string `yaml:"seed"`
	// Operation is store (default), sum or match. Match keys need a seed and
	// write keyed digests: equal values can be filtered on but never read
	// back.
	Operation blindfold.Operation `yaml:"operation"`
	// Threshold enables t-of-n sharing for store keys.
	Threshold int `yaml:"threshold"`
}

func (k KeyConfig) Validate() error {
	return validation.ValidateStruct(&k,
		validation.Field(&k.Seed, validation.When(k.Secret, validation.Required), is.Hexadecimal),
		validation.Field(&k.Operation,
			validation.In(blindfold.OpStore, blindfold.OpSum, blindfold.OpMatch),
			validation.By(func(any) error {
				if k.Operation == blindfold.OpMatch && !k.Secret {
					return errors.New("match keys must be secret")
				}
				return nil
			}),
		),
		validation.Field(&k.Threshold, validation.Min(0)),
	)
}

// Config of a vault client.
type Config struct {
	Nodes     []NodeConfig     `yaml:"nodes"`
	Discovery *DiscoveryConfig `yaml:"discovery,omitempty"`

	// PrivateKey is the hex secp256k1 key of the builder or user.
	PrivateKey string `yaml:"private_key"`
	// BuilderName is used when registering with the nodes.
	BuilderName string `yaml:"builder_name"`

	Key      KeyConfig     `yaml:"key"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Nodes, validation.When(c.Discovery == nil, validation.Required)),
		validation.Field(&c.Discovery),
		validation.Field(&c.PrivateKey, validation.Required, is.Hexadecimal),
		validation.Field(&c.Key),
		validation.Field(&c.TokenTTL, validation.Min(time.Second)),
	)
}

// LoadConfig reads a YAML configuration file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = defaultTokenTTL
	}
	if c.Key.Operation == "" {
		c.Key.Operation = blindfold.OpStore
	}
	if c.Discovery != nil && c.Discovery.Scheme == "" {
		c.Discovery.Scheme = "https"
	}
}

// BlindfoldKey builds the record key for a cluster of the given size.
func (k KeyConfig) BlindfoldKey(nodes int) (*blindfold.Key, error) {
	op := k.Operation
	if op == "" {
		op = blindfold.OpStore
	}
	if !k.Secret {
		return blindfold.NewClusterKey(nodes, op, k.Threshold)
	}
	seed, err := hex.DecodeString(k.Seed)
	if err != nil {
		return nil, fmt.Errorf("invalid key seed: %w", err)
	}
	return blindfold.NewSecretKeyFromSeed(seed, nodes, op, k.Threshold)
}

func validDID(value interface{}) error {
	did, _ := value.(interfaces.DID)
	if !did.Valid() {
		return errors.New("must be a did:nil identifier")
	}
	return nil
}
