// Package site holds the immutable site and provider registry. Sites are
// static configuration loaded once at process start; nothing here is mutated
// after Load returns.
package site

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/smallbiznis/voltara/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var (
	ErrSiteNotFound     = errors.New("site_not_found")
	ErrProviderNotFound = errors.New("provider_not_found")
)

// Provider identifies one upstream metering API and the credentials and
// pacing rules shared by every site it serves. Quota exhaustion (HTTP 429)
// is scoped to a provider, not a site.
type Provider struct {
	Code         string        `mapstructure:"code"`
	Country      string        `mapstructure:"country"`
	BaseURL      string        `mapstructure:"base_url"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	RequestDelay time.Duration `mapstructure:"request_delay"`
	// DefaultRate is the vending tariff in currency units per kWh, used when
	// a provider ledger entry does not carry its own rate.
	DefaultRate float64 `mapstructure:"default_rate"`
}

// Site is one community installation served by a provider.
type Site struct {
	Code          string    `mapstructure:"code"`
	Community     string    `mapstructure:"community"`
	ProviderCode  string    `mapstructure:"provider"`
	ExternalID    string    `mapstructure:"external_id"`
	EarliestValid time.Time `mapstructure:"earliest_valid"`
}

// Registry is the loaded, validated site configuration.
type Registry struct {
	providers map[string]Provider
	sites     []Site
}

// Load reads the registry file referenced by Config.SiteRegistryPath.
func Load(cfg config.Config) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(cfg.SiteRegistryPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read site registry: %w", err)
	}

	var raw struct {
		Providers []Provider `mapstructure:"providers"`
		Sites     []Site     `mapstructure:"sites"`
	}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&raw, hook); err != nil {
		return nil, fmt.Errorf("parse site registry: %w", err)
	}

	// Credentials in the registry file may reference environment variables.
	for i := range raw.Providers {
		raw.Providers[i].Username = os.ExpandEnv(raw.Providers[i].Username)
		raw.Providers[i].Password = os.ExpandEnv(raw.Providers[i].Password)
	}

	return NewRegistry(raw.Providers, raw.Sites)
}

// NewRegistry validates and indexes the given providers and sites.
func NewRegistry(providers []Provider, sites []Site) (*Registry, error) {
	reg := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		p.Code = strings.TrimSpace(p.Code)
		if p.Code == "" {
			return nil, errors.New("provider code is required")
		}
		if _, dup := reg.providers[p.Code]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Code)
		}
		reg.providers[p.Code] = p
	}

	seen := make(map[string]bool, len(sites))
	for _, s := range sites {
		s.Code = strings.TrimSpace(s.Code)
		if s.Code == "" {
			return nil, errors.New("site code is required")
		}
		if seen[s.Code] {
			return nil, fmt.Errorf("duplicate site %q", s.Code)
		}
		if _, ok := reg.providers[s.ProviderCode]; !ok {
			return nil, fmt.Errorf("site %q references unknown provider %q", s.Code, s.ProviderCode)
		}
		seen[s.Code] = true
		reg.sites = append(reg.sites, s)
	}
	sort.Slice(reg.sites, func(i, j int) bool { return reg.sites[i].Code < reg.sites[j].Code })

	return reg, nil
}

// Sites returns all sites in code order.
func (r *Registry) Sites() []Site {
	out := make([]Site, len(r.sites))
	copy(out, r.sites)
	return out
}

// Site returns the site with the given code.
func (r *Registry) Site(code string) (Site, error) {
	for _, s := range r.sites {
		if s.Code == code {
			return s, nil
		}
	}
	return Site{}, ErrSiteNotFound
}

// Provider returns the provider with the given code.
func (r *Registry) Provider(code string) (Provider, error) {
	p, ok := r.providers[code]
	if !ok {
		return Provider{}, ErrProviderNotFound
	}
	return p, nil
}

// Providers returns all providers in code order.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Filter narrows the registry to the given site codes, countries or provider
// codes. Empty selectors keep everything.
func (r *Registry) Filter(siteCodes, providerCodes []string, country string) []Site {
	siteSet := toSet(siteCodes)
	providerSet := toSet(providerCodes)
	country = strings.TrimSpace(country)

	var out []Site
	for _, s := range r.sites {
		if len(siteSet) > 0 && !siteSet[s.Code] {
			continue
		}
		if len(providerSet) > 0 && !providerSet[s.ProviderCode] {
			continue
		}
		if country != "" {
			p := r.providers[s.ProviderCode]
			if !strings.EqualFold(p.Country, country) {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[v] = true
	}
	return set
}

// Module provides the site registry.
var Module = fx.Module("site",
	fx.Provide(Load),
)
