package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"rewardhub/crypto"
	"rewardhub/native/voucher"
)

// Config is the daemon configuration, decoded from TOML.
type Config struct {
	RPCAddress     string   `toml:"RPCAddress"`
	MetricsAddress string   `toml:"MetricsAddress"`
	DataDir        string   `toml:"DataDir"`
	Env            string   `toml:"Env"`
	LogFile        string   `toml:"LogFile"`
	IssuerKeys     []string `toml:"IssuerKeys"`

	RPCRequestsPerMinute float64 `toml:"RPCRequestsPerMinute"`
	RPCBurst             int     `toml:"RPCBurst"`

	Categories []CategoryEntry `toml:"Category"`
}

// CategoryEntry is one voucher category row in the TOML file. Amounts are
// decimal strings so operators can express values beyond int64.
type CategoryEntry struct {
	Name            string `toml:"Name"`
	Enabled         bool   `toml:"Enabled"`
	Repeatable      bool   `toml:"Repeatable"`
	BaseAmount      string `toml:"BaseAmount"`
	DailyCap        string `toml:"DailyCap"`
	LifetimeCap     string `toml:"LifetimeCap"`
	LimitPolicy     string `toml:"LimitPolicy"`
	StreakThreshold uint32 `toml:"StreakThreshold"`
	StreakBonusBps  uint64 `toml:"StreakBonusBps"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		fmt.Fprintf(os.Stderr, "config: unknown key %q in %s\n", undecoded.String(), path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8645"
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = ":9464"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./rewardhub-data"
	}
	if strings.TrimSpace(c.Env) == "" {
		c.Env = "dev"
	}
	if c.RPCRequestsPerMinute <= 0 {
		c.RPCRequestsPerMinute = 120
	}
	if c.RPCBurst <= 0 {
		c.RPCBurst = 30
	}
}

// Validate surface-checks addresses and category rows so the daemon fails
// fast on an unusable file.
func (c *Config) Validate() error {
	for _, issuer := range c.IssuerKeys {
		if _, err := crypto.DecodeAddress(issuer); err != nil {
			return fmt.Errorf("config: invalid issuer address %q: %w", issuer, err)
		}
	}
	for i, entry := range c.Categories {
		if strings.TrimSpace(entry.Name) == "" {
			return fmt.Errorf("config: category %d missing name", i)
		}
		if _, err := parsePolicy(entry.LimitPolicy); err != nil {
			return fmt.Errorf("config: category %q: %w", entry.Name, err)
		}
		for _, amount := range []string{entry.BaseAmount, entry.DailyCap, entry.LifetimeCap} {
			if _, err := parseAmount(amount); err != nil {
				return fmt.Errorf("config: category %q: %w", entry.Name, err)
			}
		}
	}
	return nil
}

// IssuerAddresses decodes the configured issuer keys into raw addresses.
func (c *Config) IssuerAddresses() ([][20]byte, error) {
	out := make([][20]byte, 0, len(c.IssuerKeys))
	for _, issuer := range c.IssuerKeys {
		addr, err := crypto.DecodeAddress(issuer)
		if err != nil {
			return nil, err
		}
		out = append(out, addr.Fixed())
	}
	return out, nil
}

// VoucherCategories converts the configured rows into engine configuration,
// falling back to the stock categories when none are configured.
func (c *Config) VoucherCategories() ([]*voucher.CategoryConfig, error) {
	if len(c.Categories) == 0 {
		return voucher.DefaultCategories(), nil
	}
	out := make([]*voucher.CategoryConfig, 0, len(c.Categories))
	for _, entry := range c.Categories {
		policy, err := parsePolicy(entry.LimitPolicy)
		if err != nil {
			return nil, err
		}
		base, err := parseAmount(entry.BaseAmount)
		if err != nil {
			return nil, err
		}
		daily, err := parseAmount(entry.DailyCap)
		if err != nil {
			return nil, err
		}
		lifetime, err := parseAmount(entry.LifetimeCap)
		if err != nil {
			return nil, err
		}
		out = append(out, &voucher.CategoryConfig{
			Category:        voucher.Category(strings.ToLower(strings.TrimSpace(entry.Name))),
			Enabled:         entry.Enabled,
			Repeatable:      entry.Repeatable,
			BaseAmount:      base,
			DailyCap:        daily,
			LifetimeCap:     lifetime,
			LimitPolicy:     policy,
			StreakThreshold: entry.StreakThreshold,
			StreakBonusBps:  entry.StreakBonusBps,
		})
	}
	return out, nil
}

func parsePolicy(value string) (voucher.LimitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "reject":
		return voucher.LimitPolicyReject, nil
	case "clamp":
		return voucher.LimitPolicyClamp, nil
	default:
		return 0, fmt.Errorf("unknown limit policy %q", value)
	}
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
