// Package config loads the gateway's global and route configuration
// (spec §3, §6). Treated as an external collaborator by the original
// spec's Non-goals ("configuration file parsing/schema validation,
// environment variable interpolation" are out of scope for validation
// semantics), but the gateway still needs to decode and interpolate the
// document, grounded on the teacher's config.Load (godotenv + env lookups)
// and extended to YAML via gopkg.in/yaml.v3 since the route table is
// structured, not flat env vars.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tollbooth-gateway/tollbooth/internal/price"
	"github.com/tollbooth-gateway/tollbooth/internal/store/windowspec"
)

// TrustProxy is the gateway.trustProxy union: false | true | N | {hops, cidrs}.
type TrustProxy struct {
	Enabled bool
	Hops    int
	CIDRs   []string
}

// UnmarshalYAML implements the false|true|N|{hops,cidrs} union of §4.7.
func (t *TrustProxy) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := node.Decode(&b); err == nil {
			t.Enabled = b
			return nil
		}
		var n int
		if err := node.Decode(&n); err == nil {
			t.Enabled = true
			t.Hops = n
			return nil
		}
		return fmt.Errorf("config: trustProxy scalar must be bool or int")
	case yaml.MappingNode:
		var m struct {
			Hops  int      `yaml:"hops"`
			CIDRs []string `yaml:"cidrs"`
		}
		if err := node.Decode(&m); err != nil {
			return fmt.Errorf("config: invalid trustProxy mapping: %w", err)
		}
		t.Enabled = true
		t.Hops = m.Hops
		t.CIDRs = m.CIDRs
		return nil
	default:
		return fmt.Errorf("config: unsupported trustProxy node kind")
	}
}

// CORS is gateway.cors.
type CORS struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
	AllowedMethods []string `yaml:"allowedMethods"`
	AllowedHeaders []string `yaml:"allowedHeaders"`
}

// Discovery is gateway.discovery.
type Discovery struct {
	Enabled bool `yaml:"enabled"`
}

// Gateway is the "gateway" top-level section.
type Gateway struct {
	Port       int        `yaml:"port" envconfig:"PORT"`
	Hostname   string     `yaml:"hostname" envconfig:"HOSTNAME"`
	TrustProxy TrustProxy `yaml:"trustProxy"`
	CORS       CORS       `yaml:"cors"`
	Discovery  Discovery  `yaml:"discovery"`
}

// AcceptEntry is one {asset, network} pair in an accepts list.
type AcceptEntry struct {
	Asset   string `yaml:"asset"`
	Network string `yaml:"network"`
}

// RateLimitConfig is a rateLimit block: a request budget per window.
type RateLimitConfig struct {
	Requests int    `yaml:"requests"`
	Window   string `yaml:"window"`
}

// VerificationCacheConfig is a verificationCache block: enable + TTL.
type VerificationCacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	TTL     string `yaml:"ttl"`
}

// Defaults is config.defaults.
type Defaults struct {
	Price             string                   `yaml:"price"`
	TimeoutSeconds    int                      `yaml:"timeoutSeconds"`
	RateLimit         *RateLimitConfig         `yaml:"rateLimit"`
	VerificationCache *VerificationCacheConfig `yaml:"verificationCache"`
	Models            map[string]string        `yaml:"models"`
}

// FacilitatorConfig is a facilitator block: string URL or {default, chains}.
type FacilitatorConfig struct {
	Default string            `yaml:"default"`
	Chains  map[string]string `yaml:"chains"`
}

// UnmarshalYAML accepts either a bare URL string or the {default, chains} mapping.
func (f *FacilitatorConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		f.Default = s
		return nil
	}
	var m struct {
		Default string            `yaml:"default"`
		Chains  map[string]string `yaml:"chains"`
	}
	if err := node.Decode(&m); err != nil {
		return fmt.Errorf("config: invalid facilitator mapping: %w", err)
	}
	f.Default = m.Default
	f.Chains = m.Chains
	return nil
}

// Settlement is config.settlement: strategy selection.
type Settlement struct {
	Strategy string `yaml:"strategy"`
	URL      string `yaml:"url"`
	Module   string `yaml:"module"`
}

// Stores is config.stores: backend selection for rate-limit/cache/session.
type Stores struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redisAddr" envconfig:"REDIS_ADDR"`
}

// UpstreamConfig is one entry in the upstream table.
type UpstreamConfig struct {
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeoutSeconds"`
}

// HooksConfig names the hook module paths configured for a route or
// globally. Secret, only meaningful at the global level, signs the
// correlation token handed to every hook invocation (internal/correlation);
// leaving it empty disables token issuance.
type HooksConfig struct {
	OnRequest       string `yaml:"onRequest"`
	OnPriceResolved string `yaml:"onPriceResolved"`
	OnSettled       string `yaml:"onSettled"`
	OnResponse      string `yaml:"onResponse"`
	OnError         string `yaml:"onError"`
	Secret          string `yaml:"secret" envconfig:"HOOK_SECRET"`
}

// rawPrice mirrors the pricing union of §4.3/§3 as it appears in YAML.
type rawPrice struct {
	Static   *string           `yaml:"static"`
	Models   map[string]string `yaml:"models"`
	Match    []rawMatchRule    `yaml:"match"`
	Fn       string            `yaml:"fn"`
	Fallback string            `yaml:"fallback"`
	Time     *rawTimePrice     `yaml:"time"`
}

type rawMatchRule struct {
	Where map[string]string `yaml:"where"`
	Price string            `yaml:"price"`
	PayTo string            `yaml:"payTo"`
}

type rawTimePrice struct {
	Price    string `yaml:"price"`
	Duration string `yaml:"duration"`
}

// RouteConfig is one entry in the route table (spec §3 Route config). Its
// pricing union is decoded into rawPriceField by UnmarshalYAML and exposed
// via PriceSpec, since yaml.v3 cannot bind a tagged struct field that is
// also a typed union without a custom decode step.
type RouteConfig struct {
	Upstream          string
	UpstreamPath      string
	rawPriceField     rawPrice
	Accepts           []AcceptEntry
	PayTo             string
	Facilitator       *FacilitatorConfig
	RateLimit         *RateLimitConfig
	VerificationCache *VerificationCacheConfig
	Hooks             *HooksConfig
	Metadata          map[string]string
	Settlement        string
}

// PriceSpec converts the route's raw YAML pricing union into a price.Spec
// plus an optional time-session duration string (non-empty only for
// "time"-typed pricing).
func (r RouteConfig) PriceSpec() (price.Spec, string) {
	p := r.rawPriceField
	spec := price.Spec{Fallback: p.Fallback}
	if p.Static != nil {
		spec.Static = *p.Static
	}
	if len(p.Models) > 0 {
		spec.TokenBased = &price.TokenPricing{Models: p.Models}
	}
	for _, m := range p.Match {
		spec.MatchRules = append(spec.MatchRules, price.MatchRule{Where: m.Where, Price: m.Price, PayTo: m.PayTo})
	}
	if p.Fn != "" {
		spec.Dynamic = &price.DynamicSpec{FnPath: p.Fn}
	}
	if p.Time != nil {
		spec.Static = p.Time.Price
		return spec, p.Time.Duration
	}
	return spec, ""
}

// routesDoc decodes the "routes" mapping while preserving its YAML document
// order: the router's ambiguity rule ("on ambiguity, insertion order
// decides", spec §4.2/§3) means a plain Go map — whose iteration order
// yaml.v3 does not preserve either — cannot be the source of truth for
// route registration order. A mapping node's Content slice interleaves
// keys and values in document order, so walking it directly recovers it.
type routesDoc struct {
	order []string
	byKey map[string]RouteConfig
}

func (r *routesDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config: routes must be a mapping")
	}
	r.byKey = make(map[string]RouteConfig, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key string
		if err := node.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("config: decoding route key: %w", err)
		}
		var rc RouteConfig
		if err := node.Content[i+1].Decode(&rc); err != nil {
			return fmt.Errorf("config: route %q: %w", key, err)
		}
		if _, exists := r.byKey[key]; !exists {
			r.order = append(r.order, key)
		}
		r.byKey[key] = rc
	}
	return nil
}

// rawConfig mirrors the full document shape before interpolation strips
// ${NAME} substitutions and rawPrice conversion happens per-route.
type rawConfig struct {
	Gateway     Gateway                   `yaml:"gateway"`
	Wallets     map[string]string         `yaml:"wallets"`
	Accepts     []AcceptEntry             `yaml:"accepts"`
	Defaults    Defaults                  `yaml:"defaults"`
	Facilitator *FacilitatorConfig        `yaml:"facilitator"`
	Settlement  *Settlement               `yaml:"settlement"`
	Stores      *Stores                   `yaml:"stores"`
	Hooks       *HooksConfig              `yaml:"hooks"`
	Upstreams   map[string]UpstreamConfig `yaml:"upstreams"`
	Routes      routesDoc                 `yaml:"routes"`
}

// Config is the fully loaded, immutable-after-load gateway configuration.
// Hooks is the global hook fallback consulted when a route doesn't name
// its own (spec §4.8: route-level takes precedence over global). RouteOrder
// preserves the YAML document's route insertion order for the router's
// ambiguity-resolution rule; Routes is the same data keyed for lookup.
type Config struct {
	Gateway     Gateway
	Wallets     map[string]string
	Accepts     []AcceptEntry
	Defaults    Defaults
	Facilitator *FacilitatorConfig
	Settlement  *Settlement
	Stores      *Stores
	Hooks       *HooksConfig
	Upstreams   map[string]UpstreamConfig
	Routes      map[string]RouteConfig
	RouteOrder  []string
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolate substitutes ${NAME} with the environment variable NAME,
// leaving ${params.*} and ${query.*} untouched since those are resolved at
// request time by the router's path-rewrite, not at config load.
func interpolate(raw string) string {
	return envVarPattern.ReplaceAllStringFunc(raw, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Load reads and parses the YAML config file at path, loading a .env file
// first if present (dev convenience, matching the teacher's config.Load),
// then overriding Gateway/Stores fields from typed env vars via envconfig.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	interpolated := interpolate(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(interpolated), &raw); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := envconfig.Process("TOLLBOOTH", &raw.Gateway); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}
	if raw.Stores != nil {
		if err := envconfig.Process("TOLLBOOTH", raw.Stores); err != nil {
			return nil, fmt.Errorf("config: env overrides: %w", err)
		}
	}
	if raw.Hooks != nil {
		if err := envconfig.Process("TOLLBOOTH", raw.Hooks); err != nil {
			return nil, fmt.Errorf("config: env overrides: %w", err)
		}
	}

	cfg := &Config{
		Gateway:     raw.Gateway,
		Wallets:     raw.Wallets,
		Accepts:     raw.Accepts,
		Defaults:    raw.Defaults,
		Facilitator: raw.Facilitator,
		Settlement:  raw.Settlement,
		Stores:      raw.Stores,
		Hooks:       raw.Hooks,
		Upstreams:   raw.Upstreams,
		Routes:      raw.Routes.byKey,
		RouteOrder:  raw.Routes.order,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for key, route := range c.Routes {
		if _, ok := c.Upstreams[route.Upstream]; !ok {
			return fmt.Errorf("config: route %q references unknown upstream %q", key, route.Upstream)
		}
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	return nil
}

// UnmarshalYAML for RouteConfig is needed because yaml.v3's struct decoding
// would otherwise try (and fail) to bind the "price" key onto the unexported
// rawPriceField tag directly; aliasing via a plain struct avoids reflection
// surprises around unexported fields.
func (r *RouteConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain struct {
		Upstream          string                   `yaml:"upstream"`
		UpstreamPath      string                   `yaml:"upstreamPath"`
		Price             rawPrice                 `yaml:"price"`
		Accepts           []AcceptEntry            `yaml:"accepts"`
		PayTo             string                   `yaml:"payTo"`
		Facilitator       *FacilitatorConfig       `yaml:"facilitator"`
		RateLimit         *RateLimitConfig         `yaml:"rateLimit"`
		VerificationCache *VerificationCacheConfig `yaml:"verificationCache"`
		Hooks             *HooksConfig             `yaml:"hooks"`
		Metadata          map[string]string        `yaml:"metadata"`
		Settlement        string                   `yaml:"settlement"`
	}
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	r.Upstream = p.Upstream
	r.UpstreamPath = p.UpstreamPath
	r.rawPriceField = p.Price
	r.Accepts = p.Accepts
	r.PayTo = p.PayTo
	r.Facilitator = p.Facilitator
	r.RateLimit = p.RateLimit
	r.VerificationCache = p.VerificationCache
	r.Hooks = p.Hooks
	r.Metadata = p.Metadata
	r.Settlement = p.Settlement
	return nil
}

// WindowMs parses a "<N><s|m|h|d>" window string into milliseconds, erroring
// per spec §4.5 on malformed strings (a configuration error).
func WindowMs(raw string) (int64, error) {
	d, err := windowspec.Parse(raw)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}
