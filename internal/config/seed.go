package config

import (
	"github.com/spf13/viper"

	"github.com/rpay/apipod-smart-proxy/internal/model"
)

// Seed is the optional static startup configuration (proxy.yaml):
// a seed for the routing-rule table and the pricing table. Retention
// windows are not part of it; they are fixed constants in
// internal/retention. It has no teacher equivalent — the teacher's per-API-key
// runtime config loader (config_loader.go) solved a different problem
// (BYOK account/quota lookup) that doesn't exist in this data plane.
type Seed struct {
	RoutingRules []model.RoutingRule
	Pricing      []model.PricingEntry
}

// LoadSeed reads the file at path when path is non-empty, otherwise an
// optional proxy.yaml from the working directory. A missing file is
// not an error — the store's own defaults apply and the admin surface
// can populate rules/pricing later.
func LoadSeed(path string) (*Seed, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("proxy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return &Seed{}, nil
		}
		return nil, err
	}

	var seed Seed
	if err := v.UnmarshalKey("routing_rules", &seed.RoutingRules); err != nil {
		return nil, err
	}
	if err := v.UnmarshalKey("pricing", &seed.Pricing); err != nil {
		return nil, err
	}
	return &seed, nil
}
