package agent

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/amirimatin/go-replset/pkg/client"
	"github.com/amirimatin/go-replset/pkg/compat"
	"github.com/amirimatin/go-replset/pkg/replset"
	tlsx "github.com/amirimatin/go-replset/pkg/security/tlsconfig"
	"github.com/amirimatin/go-replset/pkg/transport"
)

// Discovery kinds accepted in DiscoveryConfig.Kind.
const (
	DiscoveryStatic = "static"
	DiscoveryDNS    = "dns"
	DiscoveryFile   = "file"
	DiscoveryConsul = "consul"
)

// Config defines the inputs needed to reconcile one replica set, either once
// (replsetctl reconcile) or as a long-running management agent
// (replsetctl serve). It loads from YAML; zero values mean defaults.
type Config struct {
	// ReplicaSet is the name of the managed set (required).
	ReplicaSet string `yaml:"replica_set"`

	Discovery DiscoveryConfig `yaml:"discovery"`

	// Login credentials. When both are empty CredentialsFile is consulted.
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	CredentialsFile string `yaml:"credentials_file"`

	// MongoTLS secures the connection to mongod.
	MongoTLS TLSConfig `yaml:"mongo_tls"`

	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ReconfigureTimeout  time.Duration `yaml:"reconfigure_timeout"`
	ReconfigureInterval time.Duration `yaml:"reconfigure_interval"`
	HealthTimeout       time.Duration `yaml:"health_timeout"`
	HealthInterval      time.Duration `yaml:"health_interval"`

	// Management API (status/reconcile/metrics).
	MgmtAddr  string    `yaml:"mgmt_addr"`
	MgmtProto string    `yaml:"mgmt_proto"`
	MgmtTLS   TLSConfig `yaml:"mgmt_tls"`

	// Registry, when enabled, mirrors membership changes into Consul.
	Registry ConsulConfig `yaml:"registry"`

	Trace bool `yaml:"trace"`

	// Logger (optional). Nil uses the package default.
	Logger *zap.SugaredLogger `yaml:"-"`
	// Dialer (optional). Nil uses the MongoDB driver and its
	// compatibility table.
	Dialer client.Dialer `yaml:"-"`
	// Compat overrides the compatibility table for a custom Dialer.
	Compat compat.Rules `yaml:"-"`
}

// DiscoveryConfig selects how seed endpoints are found.
type DiscoveryConfig struct {
	Kind     string        `yaml:"kind"`
	Seeds    []string      `yaml:"seeds"`
	DNSNames []string      `yaml:"dns_names"`
	DNSPort  int           `yaml:"dns_port"`
	FilePath string        `yaml:"file_path"`
	FileEnv  string        `yaml:"file_env"`
	Refresh  time.Duration `yaml:"refresh"`
	// Consul is used when Kind is "consul".
	Consul ConsulConfig `yaml:"consul"`
}

// ConsulConfig addresses a Consul agent and the catalog service used for
// members.
type ConsulConfig struct {
	Enable        bool          `yaml:"enable"`
	Address       string        `yaml:"address"`
	Datacenter    string        `yaml:"datacenter"`
	Token         string        `yaml:"token"`
	Service       string        `yaml:"service"`
	Tags          []string      `yaml:"tags"`
	PassingOnly   bool          `yaml:"passing_only"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// TLSConfig mirrors tlsconfig.Options in YAML form.
type TLSConfig struct {
	Enable      bool   `yaml:"enable"`
	CAFile      string `yaml:"ca_file"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
	CertKeyFile string `yaml:"cert_key_file"`
	SkipVerify  bool   `yaml:"skip_verify"`
	ServerName  string `yaml:"server_name"`
}

// Options converts to tlsconfig.Options.
func (t TLSConfig) Options() tlsx.Options {
	return tlsx.Options{
		Enable:             t.Enable,
		CAFile:             t.CAFile,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		CertKeyFile:        t.CertKeyFile,
		InsecureSkipVerify: t.SkipVerify,
		ServerName:         t.ServerName,
	}
}

// LoadConfig reads a YAML file. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("agent: read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("agent: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields Build depends on. It performs no I/O.
func (c Config) Validate() error {
	var errs error
	if c.ReplicaSet == "" {
		errs = multierr.Append(errs, errors.New("replica_set is required"))
	}
	switch c.Discovery.Kind {
	case "", DiscoveryStatic:
		if len(c.Discovery.Seeds) == 0 {
			errs = multierr.Append(errs, errors.New("discovery: at least one seed is required"))
		}
	case DiscoveryDNS:
		if len(c.Discovery.DNSNames) == 0 {
			errs = multierr.Append(errs, errors.New("discovery: dns_names is required"))
		}
	case DiscoveryFile:
		if c.Discovery.FilePath == "" && c.Discovery.FileEnv == "" {
			errs = multierr.Append(errs, errors.New("discovery: file_path or file_env is required"))
		}
	case DiscoveryConsul:
	default:
		errs = multierr.Append(errs, fmt.Errorf("discovery: unknown kind %q", c.Discovery.Kind))
	}
	if _, err := transport.ParseProtocol(c.MgmtProto); err != nil {
		errs = multierr.Append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":      c.ConnectTimeout,
		"reconfigure_timeout":  c.ReconfigureTimeout,
		"reconfigure_interval": c.ReconfigureInterval,
		"health_timeout":       c.HealthTimeout,
		"health_interval":      c.HealthInterval,
	} {
		if d < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if errs != nil {
		return fmt.Errorf("agent: invalid config: %w", errs)
	}
	return nil
}

// Timeouts returns the engine timeouts; zero fields fall back to the engine
// defaults.
func (c Config) Timeouts() replset.Timeouts {
	return replset.Timeouts{
		ReconfigureTimeout:  c.ReconfigureTimeout,
		ReconfigureInterval: c.ReconfigureInterval,
		HealthTimeout:       c.HealthTimeout,
		HealthInterval:      c.HealthInterval,
	}
}
