package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sebas/callplane/internal/ami"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "callplane.schema.json"

// Duration is a time.Duration written as a Go duration string in JSON.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds the callplane configuration
type Config struct {
	LogLevel string `json:"log_level"`
	// ConfigPath is the optional JSON file the settings were read from.
	ConfigPath string `json:"-"`

	API      APIConfig      `json:"api"`
	AMI      AMIConfig      `json:"ami"`
	Recovery RecoveryConfig `json:"recovery"`
	Calls    CallsConfig    `json:"calls"`
	SIP      SIPConfig      `json:"sip"`
}

// APIConfig configures the status API.
type APIConfig struct {
	// Addr of the HTTP listener. Empty disables the API.
	Addr string `json:"addr"`
}

// AMIConfig configures the manager link.
type AMIConfig struct {
	// URL of the WebSocket-to-TCP proxy in front of the manager port.
	URL           string       `json:"url"`
	Username      string       `json:"username"`
	Secret        string       `json:"secret"`
	Timeout       Duration     `json:"timeout"`
	PingInterval  Duration     `json:"ping_interval"`
	ResyncActions []string     `json:"resync_actions"`
	Charsets      ami.Charsets `json:"charsets"`
}

// RecoveryConfig configures reconnect backoff and heartbeats.
type RecoveryConfig struct {
	BaseDelay                    Duration `json:"base_delay"`
	MaxDelay                     Duration `json:"max_delay"`
	MaxAttempts                  int      `json:"max_attempts"`
	HeartbeatInterval            Duration `json:"heartbeat_interval"`
	HeartbeatTimeout             Duration `json:"heartbeat_timeout"`
	HeartbeatFailures            int      `json:"heartbeat_failures"`
	RenegotiationTimeout         Duration `json:"renegotiation_timeout"`
	MaxConcurrentMediaRecoveries int      `json:"max_concurrent_media_recoveries"`
}

// CallsConfig configures call sessions and PBX features.
type CallsConfig struct {
	OperationTimeout  Duration `json:"operation_timeout"`
	ConferenceContext string   `json:"conference_context"`
	RecordingDir      string   `json:"recording_dir"`
	RecordingFormat   string   `json:"recording_format"`
}

// SIPConfig configures the SIP user agent.
type SIPConfig struct {
	BindAddr       string   `json:"bind"`
	Port           int      `json:"port"`
	Transport      string   `json:"transport"`
	AdvertiseAddr  string   `json:"advertise"`
	User           string   `json:"user"`
	Domain         string   `json:"domain"`
	Registrar      string   `json:"registrar"`
	RegisterExpiry Duration `json:"register_expiry"`
	Username       string   `json:"username"`
	Password       string   `json:"password"`
	MediaAddr      string   `json:"media_addr"`
	MediaPort      int      `json:"media_port"`
	RingTimeout    Duration `json:"ring_timeout"`
	Codecs         []string `json:"codecs"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		API:      APIConfig{Addr: ":8080"},
		AMI: AMIConfig{
			URL:           "ws://localhost:8088/ami",
			Timeout:       Duration(10 * time.Second),
			PingInterval:  Duration(15 * time.Second),
			ResyncActions: []string{"CoreShowChannels", "QueueStatus"},
			Charsets:      ami.DefaultCharsets(),
		},
		Recovery: RecoveryConfig{
			BaseDelay:                    Duration(500 * time.Millisecond),
			MaxDelay:                     Duration(30 * time.Second),
			MaxAttempts:                  8,
			HeartbeatInterval:            Duration(20 * time.Second),
			HeartbeatTimeout:             Duration(5 * time.Second),
			HeartbeatFailures:            2,
			RenegotiationTimeout:         Duration(10 * time.Second),
			MaxConcurrentMediaRecoveries: 16,
		},
		Calls: CallsConfig{
			OperationTimeout:  Duration(10 * time.Second),
			ConferenceContext: "confbridge",
			RecordingDir:      "/var/spool/asterisk/monitor",
			RecordingFormat:   "wav",
		},
		SIP: SIPConfig{
			BindAddr:       "0.0.0.0",
			Port:           5060,
			Transport:      "udp",
			User:           "callplane",
			RegisterExpiry: Duration(time.Hour),
			MediaPort:      10000,
			RingTimeout:    Duration(60 * time.Second),
			Codecs:         []string{"PCMU", "PCMA", "telephone-event"},
		},
	}
}

// Load loads configuration from command line flags, an optional JSON file
// and environment variables.
func Load() (*Config, error) {
	return Parse(os.Args[1:], os.Getenv)
}

// Parse builds a Config from args and getenv. Precedence, lowest first:
// defaults, the -config file, flags, environment.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	fs := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if path := firstNonEmpty(getenv("CONFIG_PATH"), cfg.ConfigPath); path != "" {
		cfg.ConfigPath = path
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
		// Flags given on the command line win over the file.
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg, getenv)

	// Validate and fallback to auto-detection if invalid
	if cfg.SIP.AdvertiseAddr == "" || !isValidAddress(cfg.SIP.AdvertiseAddr) {
		cfg.SIP.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if cfg.SIP.MediaAddr == "" {
		cfg.SIP.MediaAddr = cfg.SIP.AdvertiseAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("callplane", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", "", "Path to a JSON configuration file")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.API.Addr, "api", cfg.API.Addr, "Status API listen address (empty disables)")

	fs.StringVar(&cfg.AMI.URL, "ami-url", cfg.AMI.URL, "WebSocket URL of the manager proxy")
	fs.StringVar(&cfg.AMI.Username, "ami-user", cfg.AMI.Username, "Manager username")
	fs.DurationVar((*time.Duration)(&cfg.AMI.Timeout), "ami-timeout", cfg.AMI.Timeout.D(), "Default manager action timeout")

	fs.DurationVar((*time.Duration)(&cfg.Recovery.BaseDelay), "backoff-base", cfg.Recovery.BaseDelay.D(), "First reconnect delay")
	fs.DurationVar((*time.Duration)(&cfg.Recovery.MaxDelay), "backoff-max", cfg.Recovery.MaxDelay.D(), "Reconnect delay ceiling")
	fs.IntVar(&cfg.Recovery.MaxAttempts, "max-attempts", cfg.Recovery.MaxAttempts, "Reconnect attempts before giving up")
	fs.DurationVar((*time.Duration)(&cfg.Recovery.HeartbeatInterval), "heartbeat", cfg.Recovery.HeartbeatInterval.D(), "Manager ping interval (0 disables)")

	fs.DurationVar((*time.Duration)(&cfg.Calls.OperationTimeout), "op-timeout", cfg.Calls.OperationTimeout.D(), "Call operation timeout")

	fs.IntVar(&cfg.SIP.Port, "port", cfg.SIP.Port, "SIP listening port")
	fs.StringVar(&cfg.SIP.BindAddr, "bind", cfg.SIP.BindAddr, "SIP bind address")
	fs.StringVar(&cfg.SIP.AdvertiseAddr, "advertise", cfg.SIP.AdvertiseAddr, "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.SIP.Domain, "domain", cfg.SIP.Domain, "SIP domain for bare extensions")
	fs.StringVar(&cfg.SIP.Registrar, "registrar", cfg.SIP.Registrar, "SIP registrar URI (empty disables REGISTER)")
	return fs
}

// loadFile validates the file against the embedded schema and decodes it
// over cfg.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := validateDocument(data); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateDocument(data []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc)
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if port := getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SIP.Port = p
		}
	}
	if bind := getenv("BIND"); bind != "" {
		cfg.SIP.BindAddr = bind
	}
	if advertise := getenv("ADVERTISE"); advertise != "" {
		cfg.SIP.AdvertiseAddr = advertise
	}
	if loglevel := getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if addr := getenv("API_ADDR"); addr != "" {
		cfg.API.Addr = addr
	}
	if url := getenv("AMI_URL"); url != "" {
		cfg.AMI.URL = url
	}
	if user := getenv("AMI_USERNAME"); user != "" {
		cfg.AMI.Username = user
	}
	if secret := getenv("AMI_SECRET"); secret != "" {
		cfg.AMI.Secret = secret
	}
	if actions := getenv("AMI_RESYNC_ACTIONS"); actions != "" {
		cfg.AMI.ResyncActions = parseList(actions)
	}
	if registrar := getenv("SIP_REGISTRAR"); registrar != "" {
		cfg.SIP.Registrar = registrar
	}
	if user := getenv("SIP_USERNAME"); user != "" {
		cfg.SIP.Username = user
	}
	if pass := getenv("SIP_PASSWORD"); pass != "" {
		cfg.SIP.Password = pass
	}
}

// Validate checks settings that the schema cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.AMI.URL == "" {
		errs = append(errs, errors.New("ami url is required"))
	} else if !strings.HasPrefix(c.AMI.URL, "ws://") && !strings.HasPrefix(c.AMI.URL, "wss://") {
		errs = append(errs, fmt.Errorf("ami url %q must use ws:// or wss://", c.AMI.URL))
	}
	if c.Recovery.BaseDelay <= 0 {
		errs = append(errs, errors.New("recovery base delay must be positive"))
	}
	if c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		errs = append(errs, errors.New("recovery max delay must not be below the base delay"))
	}
	if c.Recovery.MaxAttempts < 1 {
		errs = append(errs, errors.New("recovery max attempts must be at least 1"))
	}
	if c.Calls.OperationTimeout <= 0 {
		errs = append(errs, errors.New("operation timeout must be positive"))
	}
	if c.SIP.Port < 1 || c.SIP.Port > 65535 {
		errs = append(errs, fmt.Errorf("sip port %d out of range", c.SIP.Port))
	}
	if _, err := ami.NewValidator(c.AMI.Charsets); err != nil {
		errs = append(errs, fmt.Errorf("ami charsets: %w", err))
	}
	return errors.Join(errs...)
}

// SIPListenAddr is the host:port the user agent binds.
func (c *Config) SIPListenAddr() string {
	return net.JoinHostPort(c.SIP.BindAddr, strconv.Itoa(c.SIP.Port))
}

// parseList parses a comma-separated list
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
