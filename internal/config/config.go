package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the server configuration. Values come from defaults,
// then the optional TOML file named by WAKEPROXY_CONFIG, then environment
// variables.
type ServerConfig struct {
	// APIAddr is the local listen address of the management API.
	APIAddr string `toml:"api_addr"`

	// ListenHost is the address forwarders bind their local ports on. Empty
	// binds every interface.
	ListenHost string `toml:"listen_host"`

	// Store selects machine persistence: "file" or "redis".
	Store string `toml:"store"`

	// DataFile is the YAML file used by the file store.
	DataFile string `toml:"data_file"`

	// RedisAddr and RedisKey configure the redis store.
	RedisAddr string `toml:"redis_addr"`
	RedisKey  string `toml:"redis_key"`

	// BroadcastAddr is where magic packets are sent ("ip:port").
	BroadcastAddr string `toml:"broadcast_addr"`

	// WOLRepeat and WOLDelay control how many magic packets are sent per wake
	// and the pause between them.
	WOLRepeat int           `toml:"wol_repeat"`
	WOLDelay  time.Duration `toml:"wol_delay"`

	// WakeTimeout bounds waiting for a woken machine; PollInterval is the
	// pause between reachability probes.
	WakeTimeout  time.Duration `toml:"wake_timeout"`
	PollInterval time.Duration `toml:"poll_interval"`

	// CheckTimeout bounds the first connection attempt that decides whether a
	// machine needs waking.
	CheckTimeout time.Duration `toml:"check_timeout"`

	// Connection pool tuning.
	PoolMaxPerDest    int           `toml:"pool_max_per_dest"`
	PoolIdleTimeout   time.Duration `toml:"pool_idle_timeout"`
	PoolSweepInterval time.Duration `toml:"pool_sweep_interval"`
	PoolPermitTimeout time.Duration `toml:"pool_permit_timeout"`
	ConnectTimeout    time.Duration `toml:"connect_timeout"`

	// SSHKeyPath enables SSH shutdown for machines with an SSH user.
	SSHKeyPath string `toml:"ssh_key_path"`

	// TSHostname enables the tailnet API listener under this hostname.
	TSHostname string `toml:"ts_hostname"`

	// TSPort is the tailnet port the API listens on.
	TSPort int `toml:"ts_port"`

	// TSStateDir is the directory for Tailscale state persistence.
	TSStateDir string `toml:"ts_state_dir"`

	// TSAuthKey is a Tailscale auth key for automatic authentication.
	TSAuthKey string `toml:"-"`

	// TSEphemeral marks the Tailscale node as ephemeral.
	TSEphemeral bool `toml:"ts_ephemeral"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

func defaultServerConfig() *ServerConfig {
	return &ServerConfig{
		APIAddr:           ":8080",
		Store:             "file",
		DataFile:          "machines.yaml",
		RedisAddr:         "localhost:6379",
		RedisKey:          "wakeproxy:machines",
		BroadcastAddr:     "255.255.255.255:9",
		WOLRepeat:         3,
		WOLDelay:          50 * time.Millisecond,
		WakeTimeout:       90 * time.Second,
		PollInterval:      time.Second,
		CheckTimeout:      2 * time.Second,
		PoolMaxPerDest:    10,
		PoolIdleTimeout:   300 * time.Second,
		PoolSweepInterval: 60 * time.Second,
		PoolPermitTimeout: 5 * time.Second,
		ConnectTimeout:    30 * time.Second,
		TSPort:            80,
		TSStateDir:        "tsnet-wakeproxy",
		LogLevel:          "info",
	}
}

// LoadServerConfig builds the server configuration.
func LoadServerConfig() (*ServerConfig, error) {
	cfg := defaultServerConfig()

	if path := os.Getenv("WAKEPROXY_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg.APIAddr = envOrDefault("WAKEPROXY_API_ADDR", cfg.APIAddr)
	cfg.ListenHost = envOrDefault("WAKEPROXY_LISTEN_HOST", cfg.ListenHost)
	cfg.Store = envOrDefault("WAKEPROXY_STORE", cfg.Store)
	cfg.DataFile = envOrDefault("WAKEPROXY_DATA_FILE", cfg.DataFile)
	cfg.RedisAddr = envOrDefault("WAKEPROXY_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisKey = envOrDefault("WAKEPROXY_REDIS_KEY", cfg.RedisKey)
	cfg.BroadcastAddr = envOrDefault("WAKEPROXY_BROADCAST_ADDR", cfg.BroadcastAddr)
	cfg.WOLRepeat = envIntOrDefault("WAKEPROXY_WOL_REPEAT", cfg.WOLRepeat)
	cfg.WOLDelay = envDurationOrDefault("WAKEPROXY_WOL_DELAY", cfg.WOLDelay)
	cfg.WakeTimeout = envDurationOrDefault("WAKEPROXY_WAKE_TIMEOUT", cfg.WakeTimeout)
	cfg.PollInterval = envDurationOrDefault("WAKEPROXY_POLL_INTERVAL", cfg.PollInterval)
	cfg.CheckTimeout = envDurationOrDefault("WAKEPROXY_CHECK_TIMEOUT", cfg.CheckTimeout)
	cfg.PoolMaxPerDest = envIntOrDefault("WAKEPROXY_POOL_MAX_PER_DEST", cfg.PoolMaxPerDest)
	cfg.PoolIdleTimeout = envDurationOrDefault("WAKEPROXY_POOL_IDLE_TIMEOUT", cfg.PoolIdleTimeout)
	cfg.PoolSweepInterval = envDurationOrDefault("WAKEPROXY_POOL_SWEEP_INTERVAL", cfg.PoolSweepInterval)
	cfg.PoolPermitTimeout = envDurationOrDefault("WAKEPROXY_POOL_PERMIT_TIMEOUT", cfg.PoolPermitTimeout)
	cfg.ConnectTimeout = envDurationOrDefault("WAKEPROXY_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.SSHKeyPath = envOrDefault("WAKEPROXY_SSH_KEY_PATH", cfg.SSHKeyPath)
	cfg.TSHostname = envOrDefault("WAKEPROXY_TS_HOSTNAME", cfg.TSHostname)
	cfg.TSPort = envIntOrDefault("WAKEPROXY_TS_PORT", cfg.TSPort)
	cfg.TSStateDir = envOrDefault("WAKEPROXY_TS_STATE_DIR", cfg.TSStateDir)
	cfg.TSAuthKey = envOrFile("WAKEPROXY_TS_AUTH_KEY", "WAKEPROXY_TS_AUTH_KEY_FILE")
	if v := os.Getenv("WAKEPROXY_TS_EPHEMERAL"); v != "" {
		cfg.TSEphemeral = v == "true"
	}
	cfg.LogLevel = envOrDefault("WAKEPROXY_LOG_LEVEL", cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) validate() error {
	switch c.Store {
	case "file", "redis":
	default:
		return fmt.Errorf("invalid store %q: expected file or redis", c.Store)
	}

	positive := map[string]time.Duration{
		"wake_timeout":        c.WakeTimeout,
		"poll_interval":       c.PollInterval,
		"check_timeout":       c.CheckTimeout,
		"pool_idle_timeout":   c.PoolIdleTimeout,
		"pool_sweep_interval": c.PoolSweepInterval,
		"pool_permit_timeout": c.PoolPermitTimeout,
		"connect_timeout":     c.ConnectTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.PoolMaxPerDest <= 0 {
		return fmt.Errorf("pool_max_per_dest must be positive, got %d", c.PoolMaxPerDest)
	}
	if c.WOLRepeat <= 0 {
		return fmt.Errorf("wol_repeat must be positive, got %d", c.WOLRepeat)
	}
	return nil
}

// ClientConfig holds CLI client configuration.
type ClientConfig struct {
	// ServerAddr is the "host:port" of the wakeproxy API.
	ServerAddr string

	// BroadcastAddr is used by the local wake command.
	BroadcastAddr string

	// Aliases maps friendly machine names to MAC addresses.
	Aliases map[string]string
}

// LoadClientConfig reads client configuration from environment variables
// and loads aliases from the config file.
func LoadClientConfig() *ClientConfig {
	cfg := &ClientConfig{
		ServerAddr:    envOrDefault("WAKEPROXY_SERVER", "localhost:8080"),
		BroadcastAddr: envOrDefault("WAKEPROXY_BROADCAST_ADDR", "255.255.255.255:9"),
	}
	cfg.Aliases = loadAliasConfig()
	return cfg
}

// ResolveMAC returns the MAC for an alias, or the input unchanged.
func (c *ClientConfig) ResolveMAC(nameOrMAC string) string {
	if mac, ok := c.Aliases[strings.ToLower(nameOrMAC)]; ok {
		return mac
	}
	return nameOrMAC
}

type aliasFileConfig struct {
	Aliases map[string]string `yaml:"aliases"`
}

// loadAliasConfig reads the first alias file found in the standard locations.
func loadAliasConfig() map[string]string {
	for _, path := range aliasConfigPaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cfg aliasFileConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			continue
		}
		if len(cfg.Aliases) > 0 {
			aliases := make(map[string]string, len(cfg.Aliases))
			for name, mac := range cfg.Aliases {
				aliases[strings.ToLower(name)] = mac
			}
			return aliases
		}
	}
	return nil
}

// aliasConfigPaths returns, in order: ./wakeproxy.yaml,
// $XDG_CONFIG_HOME/wakeproxy/config.yaml, ~/.config/wakeproxy/config.yaml.
func aliasConfigPaths() []string {
	paths := []string{"wakeproxy.yaml"}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "wakeproxy", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wakeproxy", "config.yaml"))
	}

	return paths
}

// envOrFile returns the value of the env var named key if set and non-empty.
// Otherwise, if the env var named fileKey is set, it reads the file at that path
// and returns its contents with surrounding whitespace trimmed.
func envOrFile(key, fileKey string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if path := os.Getenv(fileKey); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
	return ""
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

// envDurationOrDefault accepts Go durations ("90s") or plain seconds ("90").
func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
