package cli

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/amirimatin/go-replset/pkg/agent"
	"github.com/amirimatin/go-replset/pkg/credentials"
	"github.com/amirimatin/go-replset/pkg/discovery"
	dStatic "github.com/amirimatin/go-replset/pkg/discovery/static"
	"github.com/amirimatin/go-replset/pkg/replset"
	tlsx "github.com/amirimatin/go-replset/pkg/security/tlsconfig"
	"github.com/amirimatin/go-replset/pkg/transport"
)

// memberFlags describe the member to reconcile.
type memberFlags struct {
	host         string
	port         int
	role         string
	state        string
	buildIndexes bool
	hidden       bool
	priority     float64
	slaveDelay   int
	votes        int
}

func (m *memberFlags) register(fs *pflag.FlagSet, withState bool) {
	fs.StringVar(&m.host, "host-name", "", "hostname of the member to reconcile (required)")
	fs.IntVar(&m.port, "host-port", 27017, "port of the member to reconcile")
	fs.StringVar(&m.role, "host-type", string(replset.RoleDataMember), "member role: replica|arbiter")
	if withState {
		fs.StringVar(&m.state, "state", string(replset.StatePresent), "desired state: present|absent")
	}
	fs.BoolVar(&m.buildIndexes, "build-indexes", replset.DefaultBuildIndexes, "whether the member builds indexes")
	fs.BoolVar(&m.hidden, "hidden", false, "hide the member from clients (implies priority 0)")
	fs.Float64Var(&m.priority, "priority", replset.DefaultPriority, "election priority")
	fs.IntVar(&m.slaveDelay, "slave-delay", 0, "replication delay in seconds (implies priority 0)")
	fs.IntVar(&m.votes, "votes", replset.DefaultVotes, "number of votes")
}

// desired builds the member. Hidden and delayed members cannot be elected,
// so their priority drops to 0 unless --priority was given explicitly.
func (m *memberFlags) desired(fs *pflag.FlagSet) (replset.DesiredMember, error) {
	if m.host == "" {
		return replset.DesiredMember{}, fmt.Errorf("missing required flag: --host-name")
	}
	role, err := replset.ParseRole(m.role)
	if err != nil {
		return replset.DesiredMember{}, err
	}
	d := replset.NewDesiredMember(m.host, m.port)
	d.Role = role
	d.Hidden = m.hidden
	d.SlaveDelay = m.slaveDelay
	if fs.Changed("build-indexes") {
		d.BuildIndexes = replset.Ptr(m.buildIndexes)
	}
	if fs.Changed("votes") {
		d.Votes = replset.Ptr(m.votes)
	}
	switch {
	case fs.Changed("priority"):
		d.Priority = replset.Ptr(m.priority)
	case m.hidden || m.slaveDelay > 0:
		d.Priority = replset.Ptr(0.0)
	}
	return d, nil
}

func (m *memberFlags) desiredState() (replset.State, error) {
	return replset.ParseState(m.state)
}

// connFlags locate and authenticate against the replica set.
type connFlags struct {
	configPath string

	loginHost       string
	loginPort       int
	user            string
	password        string
	credentialsFile string
	replicaSet      string
	ssl             bool
	tlsCA           string
	tlsCertKey      string
	tlsSkip         bool
	connectTimeout  time.Duration

	discoveryKind string
	dnsNames      string
	dnsPort       int
	filePath      string
	fileEnv       string
	discRefresh   time.Duration

	consulAddr     string
	consulService  string
	consulTag      string
	registerConsul bool

	reconfigureTimeout  time.Duration
	reconfigureInterval time.Duration
	healthTimeout       time.Duration
	healthInterval      time.Duration

	trace bool
}

func (c *connFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML agent config; flags given explicitly override it")
	fs.StringVar(&c.loginHost, "login-host", "localhost", "comma-separated hosts to connect to (used by discovery=static)")
	fs.IntVar(&c.loginPort, "login-port", discovery.DefaultPort, "port applied to login hosts given without one")
	fs.StringVar(&c.user, "login-user", "", "user to authenticate as")
	fs.StringVar(&c.password, "login-password", "", "password of --login-user")
	fs.StringVar(&c.credentialsFile, "credentials-file", "", "INI file with [client] user/pass, used when no login flags are given (default ~/.mongodb.cnf)")
	fs.StringVar(&c.replicaSet, "replica-set", "", "replica set name (required)")
	fs.BoolVar(&c.ssl, "ssl", false, "connect to mongod over TLS")
	fs.StringVar(&c.tlsCA, "tls-ca-file", "", "CA bundle used to verify mongod (PEM)")
	fs.StringVar(&c.tlsCertKey, "tls-cert-key-file", "", "client certificate and key in one PEM file")
	fs.BoolVar(&c.tlsSkip, "tls-skip-verify", false, "skip mongod certificate verification (DEV ONLY)")
	fs.DurationVar(&c.connectTimeout, "connect-timeout", replset.DefaultConnectTimeout, "connection and server selection timeout")

	fs.StringVar(&c.discoveryKind, "discovery", agent.DiscoveryStatic, "seed discovery backend: static|dns|file|consul")
	fs.StringVar(&c.dnsNames, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _mongodb._tcp.example.com)")
	fs.IntVar(&c.dnsPort, "dns-port", discovery.DefaultPort, "port used for A/AAAA lookups")
	fs.StringVar(&c.filePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
	fs.StringVar(&c.fileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
	fs.DurationVar(&c.discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")

	fs.StringVar(&c.consulAddr, "consul-addr", "", "Consul agent address (default from CONSUL_HTTP_ADDR)")
	fs.StringVar(&c.consulService, "consul-service", "", "Consul service name for members (default mongodb)")
	fs.StringVar(&c.consulTag, "consul-tag", "", "Consul tag filtering and labelling members, e.g. the set name")
	fs.BoolVar(&c.registerConsul, "register", false, "register added members with Consul and deregister removed ones")

	fs.DurationVar(&c.reconfigureTimeout, "reconfigure-timeout", replset.DefaultReconfigureTimeout, "total time budget for reconfiguration attempts")
	fs.DurationVar(&c.reconfigureInterval, "reconfigure-interval", replset.DefaultReconfigureInterval, "pause between reconfiguration attempts")
	fs.DurationVar(&c.healthTimeout, "health-timeout", replset.DefaultHealthTimeout, "time to wait for a new set to elect a primary")
	fs.DurationVar(&c.healthInterval, "health-interval", replset.DefaultHealthInterval, "pause between health polls")

	fs.BoolVar(&c.trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
}

// config builds an agent.Config from --config (if any) and the flags. With a
// config file only flags set on the command line are applied.
func (c *connFlags) config(fs *pflag.FlagSet) (agent.Config, error) {
	var cfg agent.Config
	base := c.configPath == ""
	if !base {
		var err error
		if cfg, err = agent.LoadConfig(c.configPath); err != nil {
			return cfg, err
		}
	}
	set := func(name string) bool { return base || fs.Changed(name) }

	if set("replica-set") {
		cfg.ReplicaSet = c.replicaSet
	}
	if set("login-host") || set("login-port") {
		var seeds []string
		for _, h := range dStatic.Parse(c.loginHost) {
			seeds = append(seeds, discovery.WithPort(h, c.loginPort))
		}
		cfg.Discovery.Seeds = seeds
	}
	if set("discovery") {
		cfg.Discovery.Kind = c.discoveryKind
	}
	if set("dns-names") {
		cfg.Discovery.DNSNames = dStatic.Parse(c.dnsNames)
	}
	if set("dns-port") {
		cfg.Discovery.DNSPort = c.dnsPort
	}
	if set("file-path") {
		cfg.Discovery.FilePath = c.filePath
	}
	if set("file-env") {
		cfg.Discovery.FileEnv = c.fileEnv
	}
	if set("disc-refresh") {
		cfg.Discovery.Refresh = c.discRefresh
	}
	if set("login-user") {
		cfg.User = c.user
	}
	if set("login-password") {
		cfg.Password = c.password
	}
	if set("credentials-file") {
		cfg.CredentialsFile = c.credentialsFile
	}
	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = credentials.DefaultPath()
	}
	if set("ssl") {
		cfg.MongoTLS.Enable = c.ssl
	}
	if set("tls-ca-file") {
		cfg.MongoTLS.CAFile = c.tlsCA
	}
	if set("tls-cert-key-file") {
		cfg.MongoTLS.CertKeyFile = c.tlsCertKey
	}
	if set("tls-skip-verify") {
		cfg.MongoTLS.SkipVerify = c.tlsSkip
	}
	if set("connect-timeout") {
		cfg.ConnectTimeout = c.connectTimeout
	}

	consulCfg := func(cc *agent.ConsulConfig) {
		if set("consul-addr") {
			cc.Address = c.consulAddr
		}
		if set("consul-service") {
			cc.Service = c.consulService
		}
		if set("consul-tag") && c.consulTag != "" {
			cc.Tags = []string{c.consulTag}
		}
	}
	consulCfg(&cfg.Discovery.Consul)
	if set("register") {
		cfg.Registry.Enable = c.registerConsul
	}
	if cfg.Registry.Enable {
		consulCfg(&cfg.Registry)
		if cfg.Registry.CheckInterval == 0 {
			cfg.Registry.CheckInterval = 10 * time.Second
		}
	}

	if set("reconfigure-timeout") {
		cfg.ReconfigureTimeout = c.reconfigureTimeout
	}
	if set("reconfigure-interval") {
		cfg.ReconfigureInterval = c.reconfigureInterval
	}
	if set("health-timeout") {
		cfg.HealthTimeout = c.healthTimeout
	}
	if set("health-interval") {
		cfg.HealthInterval = c.healthInterval
	}
	if set("trace") {
		cfg.Trace = c.trace
	}
	return cfg, nil
}

// mgmtFlags address an agent's management API.
type mgmtFlags struct {
	addr          string
	proto         string
	timeout       time.Duration
	tlsEnable     bool
	tlsCA         string
	tlsCert       string
	tlsKey        string
	tlsSkip       bool
	tlsServerName string
}

func (m *mgmtFlags) register(fs *pflag.FlagSet, defaultAddr string, defaultTimeout time.Duration) {
	fs.StringVar(&m.addr, "addr", defaultAddr, "management address of an agent (host:port)")
	fs.StringVar(&m.proto, "mgmt-proto", string(transport.ProtocolHTTP), "management RPC protocol: http|grpc")
	fs.DurationVar(&m.timeout, "timeout", defaultTimeout, "request timeout")
	m.registerTLS(fs)
}

func (m *mgmtFlags) registerTLS(fs *pflag.FlagSet) {
	fs.BoolVar(&m.tlsEnable, "mgmt-tls", false, "enable mTLS for the management transport")
	fs.StringVar(&m.tlsCA, "mgmt-tls-ca", "", "path to CA cert (PEM)")
	fs.StringVar(&m.tlsCert, "mgmt-tls-cert", "", "path to certificate (PEM)")
	fs.StringVar(&m.tlsKey, "mgmt-tls-key", "", "path to private key (PEM)")
	fs.BoolVar(&m.tlsSkip, "mgmt-tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	fs.StringVar(&m.tlsServerName, "mgmt-tls-server-name", "", "expected server name (for TLS validation)")
}

func (m *mgmtFlags) tlsOptions() tlsx.Options {
	return tlsx.Options{
		Enable:             m.tlsEnable,
		CAFile:             m.tlsCA,
		CertFile:           m.tlsCert,
		KeyFile:            m.tlsKey,
		InsecureSkipVerify: m.tlsSkip,
		ServerName:         m.tlsServerName,
	}
}

func (m *mgmtFlags) tlsConfig() agent.TLSConfig {
	return agent.TLSConfig{
		Enable:     m.tlsEnable,
		CAFile:     m.tlsCA,
		CertFile:   m.tlsCert,
		KeyFile:    m.tlsKey,
		SkipVerify: m.tlsSkip,
		ServerName: m.tlsServerName,
	}
}
