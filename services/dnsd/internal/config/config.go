package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

//go:embed records.yaml
var defaultRecords []byte

// Config holds runtime configuration for the resolver daemon.
type Config struct {
	QueryAddr       string        `env:"NETLEASE_DNSD_QUERY_ADDR,default=:533"`
	UpdateAddr      string        `env:"NETLEASE_DNSD_UPDATE_ADDR,default=:9898"`
	Upstreams       []string      `env:"NETLEASE_DNSD_UPSTREAMS,default=8.8.8.8:53"`
	UpstreamTimeout time.Duration `env:"NETLEASE_DNSD_UPSTREAM_TIMEOUT,default=2s"`
	CacheUpstream   bool          `env:"NETLEASE_DNSD_CACHE_UPSTREAM,default=true"`
	PruneInterval   time.Duration `env:"NETLEASE_DNSD_PRUNE_INTERVAL,default=1m"`
	RecordsFile     string        `env:"NETLEASE_DNSD_RECORDS_FILE"`
	NATSURL         string        `env:"NETLEASE_NATS_URL"`
	HTTPEnabled     bool          `env:"NETLEASE_DNSD_ENABLE_HTTP,default=true"`
	HTTPPort        int           `env:"NETLEASE_DNSD_HTTP_PORT,default=8053"`
}

// Record is a statically configured name.
type Record struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type recordsFile struct {
	Records []Record `yaml:"records"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit variable source.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	upstreams := c.Upstreams[:0]
	for _, u := range c.Upstreams {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(u); err != nil {
			u = net.JoinHostPort(u, "53")
		}
		upstreams = append(upstreams, u)
	}
	c.Upstreams = upstreams
	if len(c.Upstreams) == 0 {
		return errors.New("NETLEASE_DNSD_UPSTREAMS must name at least one resolver")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("NETLEASE_DNSD_UPSTREAM_TIMEOUT must be positive, got %s", c.UpstreamTimeout)
	}
	if c.QueryAddr == c.UpdateAddr {
		return fmt.Errorf("query and update listeners share %s", c.QueryAddr)
	}
	return nil
}

// Records returns the static records from RecordsFile, or the built-in set when it is unset.
func (c Config) Records() ([]Record, error) {
	data := defaultRecords
	if c.RecordsFile != "" {
		var err error
		data, err = os.ReadFile(c.RecordsFile)
		if err != nil {
			return nil, fmt.Errorf("read records: %w", err)
		}
	}
	return ParseRecords(data)
}

// ParseRecords decodes a YAML records document.
func ParseRecords(data []byte) ([]Record, error) {
	var doc recordsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}
	for i := range doc.Records {
		r := &doc.Records[i]
		r.Name = strings.TrimSpace(r.Name)
		r.Address = strings.TrimSpace(r.Address)
		if r.Name == "" {
			return nil, fmt.Errorf("record %d: empty name", i)
		}
		if ip := net.ParseIP(r.Address); ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("record %q: invalid IPv4 address %q", r.Name, r.Address)
		}
	}
	return doc.Records, nil
}
