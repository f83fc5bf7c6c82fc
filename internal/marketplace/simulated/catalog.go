package simulated

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog describes the providers and funded accounts of a simulated market.
type Catalog struct {
	APIURL        string        `yaml:"api_url"`
	AppKey        string        `yaml:"app_key"`
	RoundInterval time.Duration `yaml:"round_interval"`
	Accounts      []Account     `yaml:"accounts"`
	Providers     []Provider    `yaml:"providers"`
}

type Account struct {
	Driver  string `yaml:"driver"`
	Network string `yaml:"network"`
}

// Provider is one simulated market participant. A zero Price derives a
// deterministic price per round; FailStep makes that script step fail.
type Provider struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Runtime      string        `yaml:"runtime"`
	Capabilities []string      `yaml:"capabilities"`
	Price        float64       `yaml:"price"`
	StepDelay    time.Duration `yaml:"step_delay"`
	FailStep     string        `yaml:"fail_step"`
}

// DefaultCatalog is a small market with two matching providers and one that
// runs a different runtime.
func DefaultCatalog() Catalog {
	return Catalog{
		APIURL:        "http://127.0.0.1:7465",
		AppKey:        "simulated-app-key",
		RoundInterval: time.Second,
		Accounts: []Account{
			{Driver: "erc20", Network: "holesky"},
			{Driver: "erc20", Network: "polygon"},
		},
		Providers: []Provider{
			{ID: "0x1f3a9c0e5b7d2a4c6e8f0a1b3c5d7e9f1a2b3c4d", Name: "lumen-node-1", Runtime: "dummy", Capabilities: []string{"dummy"}, StepDelay: time.Second},
			{ID: "0x2b4d6f8a0c2e4a6c8e0a2c4e6a8c0e2a4c6e8a0c", Name: "basalt-gpu", Runtime: "dummy", Capabilities: []string{"dummy", "gpu"}, StepDelay: 2 * time.Second},
			{ID: "0x3c5e7a9c1e3a5c7e9a1c3e5a7c9e1a3c5e7a9c1e", Name: "vm-only", Runtime: "vm", Capabilities: []string{"vpn"}, StepDelay: time.Second},
		},
	}
}

// LoadCatalog reads a YAML catalog; omitted top-level fields keep defaults.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	cat := DefaultCatalog()
	cat.Providers = nil
	cat.Accounts = nil
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog yaml: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

func (c Catalog) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return errors.New("catalog api_url is required")
	}
	if c.RoundInterval <= 0 {
		return errors.New("catalog round_interval must be positive")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("provider %d: id is required", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("provider %d: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if p.Price < 0 {
			return fmt.Errorf("provider %q: price must be >= 0", id)
		}
		if p.StepDelay < 0 {
			return fmt.Errorf("provider %q: step_delay must be >= 0", id)
		}
	}
	return nil
}

func (c Catalog) funded(driver, network string) bool {
	for _, a := range c.Accounts {
		if strings.EqualFold(strings.TrimSpace(a.Driver), strings.TrimSpace(driver)) &&
			strings.EqualFold(strings.TrimSpace(a.Network), strings.TrimSpace(network)) {
			return true
		}
	}
	return false
}
