package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "NETDIAG"

	defaultLogLevel  = "info"
	defaultLogFormat = "json"

	defaultControlEnabled   = false
	defaultControlAddr      = "127.0.0.1"
	defaultControlPort      = 8080
	defaultWebSocketEnabled = true
	defaultMetricsEnabled   = true

	defaultChunkSize       = 64 * 1024
	MinChunkSize           = 16 * 1024
	MaxChunkSize           = 64 * 1024
	defaultReportInterval  = 250 * time.Millisecond
	MinReportInterval      = 60 * time.Millisecond
	defaultMaxDuration     = 10 * time.Second
	defaultDownloadTimeout = 15 * time.Second
	defaultUploadSteps     = 20
	defaultUploadStepDelay = 250 * time.Millisecond
	defaultUploadRatioMin  = 0.5
	defaultUploadRatioMax  = 0.9
	defaultStartDelay      = 200 * time.Millisecond
	defaultPhaseDelay      = 500 * time.Millisecond
	defaultFallbackHost    = "8.8.8.8"

	defaultLatencyAttempts = 10
	defaultLatencyTimeout  = 1 * time.Second
	defaultLatencySpacing  = 100 * time.Millisecond
	defaultLatencyICMP     = true

	defaultTraceMaxHops        = 30
	MaxTraceHops               = 64
	defaultTraceHopTimeout     = 1 * time.Second
	defaultTraceTTLDelay       = 50 * time.Millisecond
	defaultTraceTCPDelay       = 100 * time.Millisecond
	defaultTraceTCPMaxHops     = 10
	defaultTraceSimulatedHops  = 5
	defaultTraceSimulatedDelay = 200 * time.Millisecond
	defaultTracePingBinary     = "ping"

	defaultHistoryEnabled = true
	defaultHistoryPath    = "netdiag.db"
	defaultHistoryLimit   = 50

	TierTTLProbe  = "ttl-probe"
	TierTCPProbe  = "tcp-probe"
	TierSimulated = "simulated"
)

var (
	defaultLatencyTCPPorts = []int{443, 80}
	defaultTraceTCPPorts   = []int{80, 443, 22, 21, 25, 110, 143}
	defaultTraceTiers      = []string{TierTTLProbe, TierTCPProbe, TierSimulated}
)

type Config struct {
	Hostname  string          `mapstructure:"hostname"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Control   ControlConfig   `mapstructure:"control"`
	DNS       DNSConfig       `mapstructure:"dns"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Speedtest SpeedtestConfig `mapstructure:"speedtest"`
	Latency   LatencyConfig   `mapstructure:"latency"`
	Trace     TraceConfig     `mapstructure:"trace"`
	History   HistoryConfig   `mapstructure:"history"`
	Geo       GeoConfig       `mapstructure:"geo"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type ControlConfig struct {
	Enabled   bool         `mapstructure:"enabled"`
	BindAddr  string       `mapstructure:"bind_addr"`
	BindPort  int          `mapstructure:"bind_port"`
	AuthToken string       `mapstructure:"auth_token"`
	WebSocket ToggleConfig `mapstructure:"websocket"`
	Metrics   ToggleConfig `mapstructure:"metrics"`
}

type ToggleConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DNSConfig struct {
	Servers []string `mapstructure:"servers"`
}

type CatalogConfig struct {
	// Path to a YAML target list. Empty uses the built-in targets.
	Path string `mapstructure:"path"`
	// Default target name. Empty picks a random target per run.
	Default string `mapstructure:"default"`
}

type SpeedtestConfig struct {
	ChunkSize       int           `mapstructure:"chunk_size"`
	ReportInterval  time.Duration `mapstructure:"report_interval"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	UploadSteps     int           `mapstructure:"upload_steps"`
	UploadStepDelay time.Duration `mapstructure:"upload_step_delay"`
	UploadRatioMin  float64       `mapstructure:"upload_ratio_min"`
	UploadRatioMax  float64       `mapstructure:"upload_ratio_max"`
	StartDelay      time.Duration `mapstructure:"start_delay"`
	PhaseDelay      time.Duration `mapstructure:"phase_delay"`
	FallbackHost    string        `mapstructure:"fallback_host"`
	UserAgent       string        `mapstructure:"user_agent"`
}

type LatencyConfig struct {
	Attempts    int           `mapstructure:"attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Spacing     time.Duration `mapstructure:"spacing"`
	ICMPEnabled bool          `mapstructure:"icmp_enabled"`
	TCPPorts    []int         `mapstructure:"tcp_ports"`
}

type TraceConfig struct {
	MaxHops        int           `mapstructure:"max_hops"`
	HopTimeout     time.Duration `mapstructure:"hop_timeout"`
	TTLDelay       time.Duration `mapstructure:"ttl_delay"`
	TCPDelay       time.Duration `mapstructure:"tcp_delay"`
	TCPPorts       []int         `mapstructure:"tcp_ports"`
	TCPMaxHops     int           `mapstructure:"tcp_max_hops"`
	SimulatedHops  int           `mapstructure:"simulated_hops"`
	SimulatedDelay time.Duration `mapstructure:"simulated_delay"`
	PingBinary     string        `mapstructure:"ping_binary"`
	Tiers          []string      `mapstructure:"tiers"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Limit   int    `mapstructure:"limit"`
}

type GeoConfig struct {
	CityDB string `mapstructure:"city_db"`
	ASNDB  string `mapstructure:"asn_db"`
}

// LoadConfig reads the YAML file at path, applies NETDIAG_* environment
// overrides and defaults, and validates the result. An empty path yields
// defaults plus environment overrides.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, pkgerrors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, pkgerrors.Wrap(err, "unmarshal config")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the validated default configuration.
func Default() Config {
	cfg, err := LoadConfig("")
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "")
	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.format", defaultLogFormat)

	v.SetDefault("control.enabled", defaultControlEnabled)
	v.SetDefault("control.bind_addr", defaultControlAddr)
	v.SetDefault("control.bind_port", defaultControlPort)
	v.SetDefault("control.auth_token", "")
	v.SetDefault("control.websocket.enabled", defaultWebSocketEnabled)
	v.SetDefault("control.metrics.enabled", defaultMetricsEnabled)

	v.SetDefault("dns.servers", []string{})

	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.default", "")

	v.SetDefault("speedtest.chunk_size", defaultChunkSize)
	v.SetDefault("speedtest.report_interval", defaultReportInterval)
	v.SetDefault("speedtest.max_duration", defaultMaxDuration)
	v.SetDefault("speedtest.download_timeout", defaultDownloadTimeout)
	v.SetDefault("speedtest.upload_steps", defaultUploadSteps)
	v.SetDefault("speedtest.upload_step_delay", defaultUploadStepDelay)
	v.SetDefault("speedtest.upload_ratio_min", defaultUploadRatioMin)
	v.SetDefault("speedtest.upload_ratio_max", defaultUploadRatioMax)
	v.SetDefault("speedtest.start_delay", defaultStartDelay)
	v.SetDefault("speedtest.phase_delay", defaultPhaseDelay)
	v.SetDefault("speedtest.fallback_host", defaultFallbackHost)
	v.SetDefault("speedtest.user_agent", "")

	v.SetDefault("latency.attempts", defaultLatencyAttempts)
	v.SetDefault("latency.timeout", defaultLatencyTimeout)
	v.SetDefault("latency.spacing", defaultLatencySpacing)
	v.SetDefault("latency.icmp_enabled", defaultLatencyICMP)
	v.SetDefault("latency.tcp_ports", defaultLatencyTCPPorts)

	v.SetDefault("trace.max_hops", defaultTraceMaxHops)
	v.SetDefault("trace.hop_timeout", defaultTraceHopTimeout)
	v.SetDefault("trace.ttl_delay", defaultTraceTTLDelay)
	v.SetDefault("trace.tcp_delay", defaultTraceTCPDelay)
	v.SetDefault("trace.tcp_ports", defaultTraceTCPPorts)
	v.SetDefault("trace.tcp_max_hops", defaultTraceTCPMaxHops)
	v.SetDefault("trace.simulated_hops", defaultTraceSimulatedHops)
	v.SetDefault("trace.simulated_delay", defaultTraceSimulatedDelay)
	v.SetDefault("trace.ping_binary", defaultTracePingBinary)
	v.SetDefault("trace.tiers", defaultTraceTiers)

	v.SetDefault("history.enabled", defaultHistoryEnabled)
	v.SetDefault("history.path", defaultHistoryPath)
	v.SetDefault("history.limit", defaultHistoryLimit)

	v.SetDefault("geo.city_db", "")
	v.SetDefault("geo.asn_db", "")
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Speedtest.FallbackHost = strings.TrimSpace(c.Speedtest.FallbackHost)
	c.Trace.PingBinary = strings.TrimSpace(c.Trace.PingBinary)
	for i, tier := range c.Trace.Tiers {
		c.Trace.Tiers[i] = strings.ToLower(strings.TrimSpace(tier))
	}
	servers := c.DNS.Servers[:0]
	for _, server := range c.DNS.Servers {
		if server = strings.TrimSpace(server); server != "" {
			servers = append(servers, server)
		}
	}
	c.DNS.Servers = servers
}

func (c *Config) validate() error {
	switch c.Logging.Format {
	case "json", "console":
	default:
		return errors.New("logging.format must be json or console")
	}
	if c.Control.Enabled {
		if strings.TrimSpace(c.Control.AuthToken) == "" {
			return errors.New("control.auth_token must not be empty")
		}
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
	}

	st := c.Speedtest
	if st.ChunkSize < MinChunkSize || st.ChunkSize > MaxChunkSize {
		return fmt.Errorf("speedtest.chunk_size must be in %d..%d", MinChunkSize, MaxChunkSize)
	}
	if st.ReportInterval < MinReportInterval {
		return fmt.Errorf("speedtest.report_interval must be >= %s", MinReportInterval)
	}
	if st.MaxDuration <= 0 {
		return errors.New("speedtest.max_duration must be > 0")
	}
	if st.DownloadTimeout <= 0 {
		return errors.New("speedtest.download_timeout must be > 0")
	}
	if st.UploadSteps <= 0 {
		return errors.New("speedtest.upload_steps must be > 0")
	}
	if st.UploadStepDelay < 0 || st.StartDelay < 0 || st.PhaseDelay < 0 {
		return errors.New("speedtest delays must be >= 0")
	}
	if st.UploadRatioMin <= 0 || st.UploadRatioMax > 1 || st.UploadRatioMin > st.UploadRatioMax {
		return errors.New("speedtest.upload_ratio_min and upload_ratio_max must satisfy 0 < min <= max <= 1")
	}
	if st.FallbackHost == "" {
		return errors.New("speedtest.fallback_host must not be empty")
	}

	if c.Latency.Attempts <= 0 {
		return errors.New("latency.attempts must be > 0")
	}
	if c.Latency.Timeout <= 0 {
		return errors.New("latency.timeout must be > 0")
	}
	if c.Latency.Spacing < 0 {
		return errors.New("latency.spacing must be >= 0")
	}
	if err := validatePorts("latency.tcp_ports", c.Latency.TCPPorts); err != nil {
		return err
	}

	tr := c.Trace
	if tr.MaxHops <= 0 || tr.MaxHops > MaxTraceHops {
		return fmt.Errorf("trace.max_hops must be in 1..%d", MaxTraceHops)
	}
	if tr.HopTimeout <= 0 {
		return errors.New("trace.hop_timeout must be > 0")
	}
	if tr.TTLDelay < 0 || tr.TCPDelay < 0 || tr.SimulatedDelay < 0 {
		return errors.New("trace delays must be >= 0")
	}
	if len(tr.TCPPorts) == 0 {
		return errors.New("trace.tcp_ports must not be empty")
	}
	if err := validatePorts("trace.tcp_ports", tr.TCPPorts); err != nil {
		return err
	}
	if tr.TCPMaxHops <= 0 {
		return errors.New("trace.tcp_max_hops must be > 0")
	}
	if tr.SimulatedHops <= 0 || tr.SimulatedHops > defaultTraceSimulatedHops {
		return fmt.Errorf("trace.simulated_hops must be in 1..%d", defaultTraceSimulatedHops)
	}
	if len(tr.Tiers) == 0 {
		return errors.New("trace.tiers must not be empty")
	}
	seen := make(map[string]struct{}, len(tr.Tiers))
	for _, tier := range tr.Tiers {
		switch tier {
		case TierTTLProbe, TierTCPProbe, TierSimulated:
		default:
			return fmt.Errorf("trace.tiers: unknown tier %q", tier)
		}
		if _, ok := seen[tier]; ok {
			return fmt.Errorf("trace.tiers: duplicate tier %q", tier)
		}
		seen[tier] = struct{}{}
	}
	if tr.PingBinary == "" {
		if _, ok := seen[TierTTLProbe]; ok {
			return errors.New("trace.ping_binary is required for the ttl-probe tier")
		}
	}

	if c.History.Enabled && strings.TrimSpace(c.History.Path) == "" {
		return errors.New("history.path is required when history is enabled")
	}
	if c.History.Limit <= 0 {
		return errors.New("history.limit must be > 0")
	}
	return nil
}

func validatePorts(field string, ports []int) error {
	for _, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s: port %d must be in 1..65535", field, port)
		}
	}
	return nil
}
