// Package config loads the quorum-node YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/quorum/internal/dispatch"
	"github.com/ssd-technologies/quorum/internal/registry"
	"github.com/ssd-technologies/quorum/internal/server"
)

// Default well-known accounts of a standalone node.
const (
	DefaultCustody    = "0x000000000000000000000000000000000000c057"
	DefaultDispatcher = "0x000000000000000000000000000000000000d15a"
)

// Config models quorum.yml.
type Config struct {
	// Owner administers the registry and dispatcher. Empty means the node key.
	Owner      string `yaml:"owner"`
	Custody    string `yaml:"custody"`
	Dispatcher string `yaml:"dispatcher"`

	Registry RegistryConfig  `yaml:"registry"`
	Dispatch dispatch.Config `yaml:"dispatch"`
	Server   ServerConfig    `yaml:"server"`
	Storage  StorageConfig   `yaml:"storage"`
	Mesh     MeshConfig      `yaml:"mesh"`
	Ledger   LedgerConfig    `yaml:"ledger"`
}

// RegistryConfig mirrors registry.Config with amounts as decimal strings of
// base units.
type RegistryConfig struct {
	StakeRequirement  string        `yaml:"stake_requirement"`
	MaxScoreHistory   int           `yaml:"max_score_history"`
	SlashAmount       string        `yaml:"slash_amount"`
	LockDuration      time.Duration `yaml:"lock_duration"`
	SevereThreshold   int64         `yaml:"severe_threshold"`
	MildThreshold     int64         `yaml:"mild_threshold"`
	ShortlistSize     int           `yaml:"shortlist_size"`
	MinSelectionScore int64         `yaml:"min_selection_score"`
	MaxSelectionScore int64         `yaml:"max_selection_score"`
}

type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	RequestRate   int           `yaml:"request_rate"`
	SubmitRate    int           `yaml:"submit_rate"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type MeshConfig struct {
	MessageRate    int           `yaml:"message_rate"`
	PruneInterval  time.Duration `yaml:"prune_interval"`
	OfflineTimeout time.Duration `yaml:"offline_timeout"`
}

// LedgerConfig seeds the in-memory ledger: address to base-unit amount.
type LedgerConfig struct {
	Genesis map[string]string `yaml:"genesis"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	rc := registry.DefaultConfig()
	sc := server.DefaultConfig()
	return &Config{
		Custody:    DefaultCustody,
		Dispatcher: DefaultDispatcher,
		Registry: RegistryConfig{
			StakeRequirement:  rc.StakeRequirement.String(),
			MaxScoreHistory:   rc.MaxScoreHistory,
			SlashAmount:       rc.SlashAmount.String(),
			LockDuration:      rc.LockDuration,
			SevereThreshold:   rc.SevereThreshold,
			MildThreshold:     rc.MildThreshold,
			ShortlistSize:     rc.ShortlistSize,
			MinSelectionScore: rc.MinSelectionScore,
			MaxSelectionScore: rc.MaxSelectionScore,
		},
		Dispatch: dispatch.DefaultConfig(),
		Server: ServerConfig{
			Listen:        ":8080",
			RequestRate:   sc.RequestRate,
			SubmitRate:    sc.SubmitRate,
			SweepInterval: sc.SweepInterval,
		},
		Storage: StorageConfig{Path: "data/quorum.db"},
		Mesh: MeshConfig{
			MessageRate:    600,
			PruneInterval:  sc.PruneInterval,
			OfflineTimeout: sc.OfflineTimeout,
		},
	}
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path and validates the result. An empty path loads the
// defaults. Environment and flag overrides are the caller's job; see Apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Overrides are per-run values that win over the file. Empty fields keep
// the file's value.
type Overrides struct {
	Listen     string
	DBPath     string
	Owner      string
	Dispatcher string
}

// Apply sets every non-empty override and revalidates.
func (c *Config) Apply(o Overrides) error {
	if o.Listen != "" {
		c.Server.Listen = o.Listen
	}
	if o.DBPath != "" {
		c.Storage.Path = o.DBPath
	}
	if o.Owner != "" {
		c.Owner = o.Owner
	}
	if o.Dispatcher != "" {
		c.Dispatcher = o.Dispatcher
	}
	return c.Validate()
}

// Validate checks addresses, amounts and every component's own rules.
func (c *Config) Validate() error {
	if c.Owner != "" && !common.IsHexAddress(c.Owner) {
		return fmt.Errorf("config.owner %q is not an address", c.Owner)
	}
	if !common.IsHexAddress(c.Custody) {
		return fmt.Errorf("config.custody %q is not an address", c.Custody)
	}
	if !common.IsHexAddress(c.Dispatcher) {
		return fmt.Errorf("config.dispatcher %q is not an address", c.Dispatcher)
	}
	if strings.EqualFold(c.Custody, c.Dispatcher) {
		return fmt.Errorf("config.custody and config.dispatcher must differ")
	}
	if _, err := c.Registry.Build(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("config.dispatch: %w", err)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if c.Server.RequestRate < 1 || c.Server.SubmitRate < 1 {
		return fmt.Errorf("config.server rates must be positive")
	}
	if c.Server.SweepInterval <= 0 {
		return fmt.Errorf("config.server.sweep_interval must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config.storage.path is required")
	}
	if c.Mesh.MessageRate < 1 {
		return fmt.Errorf("config.mesh.message_rate must be positive")
	}
	if c.Mesh.PruneInterval <= 0 || c.Mesh.OfflineTimeout <= 0 {
		return fmt.Errorf("config.mesh intervals must be positive")
	}
	if _, err := c.Ledger.Balances(); err != nil {
		return err
	}
	return nil
}

// Build converts the section to a validated registry.Config.
func (r RegistryConfig) Build() (registry.Config, error) {
	stake, ok := math.NewIntFromString(r.StakeRequirement)
	if !ok {
		return registry.Config{}, fmt.Errorf("config.registry.stake_requirement %q is not an integer", r.StakeRequirement)
	}
	slash, ok := math.NewIntFromString(r.SlashAmount)
	if !ok {
		return registry.Config{}, fmt.Errorf("config.registry.slash_amount %q is not an integer", r.SlashAmount)
	}
	cfg := registry.Config{
		StakeRequirement:  stake,
		MaxScoreHistory:   r.MaxScoreHistory,
		SlashAmount:       slash,
		LockDuration:      r.LockDuration,
		SevereThreshold:   r.SevereThreshold,
		MildThreshold:     r.MildThreshold,
		ShortlistSize:     r.ShortlistSize,
		MinSelectionScore: r.MinSelectionScore,
		MaxSelectionScore: r.MaxSelectionScore,
	}
	if err := cfg.Validate(); err != nil {
		return registry.Config{}, fmt.Errorf("config.registry: %w", err)
	}
	return cfg, nil
}

// ServerConfig returns the HTTP layer settings.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		RequestRate:    c.Server.RequestRate,
		SubmitRate:     c.Server.SubmitRate,
		SweepInterval:  c.Server.SweepInterval,
		PruneInterval:  c.Mesh.PruneInterval,
		OfflineTimeout: c.Mesh.OfflineTimeout,
	}
}

// Balances parses the genesis section.
func (l LedgerConfig) Balances() (map[common.Address]math.Int, error) {
	out := make(map[common.Address]math.Int, len(l.Genesis))
	for addr, amount := range l.Genesis {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("config.ledger.genesis: %q is not an address", addr)
		}
		n, ok := math.NewIntFromString(amount)
		if !ok || n.IsNegative() {
			return nil, fmt.Errorf("config.ledger.genesis[%s]: invalid amount %q", addr, amount)
		}
		out[common.HexToAddress(addr)] = n
	}
	return out, nil
}

// CustodyAddress returns the parsed custody account.
func (c *Config) CustodyAddress() common.Address { return common.HexToAddress(c.Custody) }

// DispatcherAddress returns the parsed dispatcher account.
func (c *Config) DispatcherAddress() common.Address { return common.HexToAddress(c.Dispatcher) }

// OwnerAddress returns the configured owner, or fallback when none is set.
func (c *Config) OwnerAddress(fallback common.Address) common.Address {
	if c.Owner == "" {
		return fallback
	}
	return common.HexToAddress(c.Owner)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
