package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreDirName    = "store"
	ServersDirName  = "servers"
	DefaultJavaBin  = "java"
	DefaultJarName  = "server.jar"
	ConsoleRingSize = 512
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type SessionsConfig struct {
	EventChannelSize         int `yaml:"eventChannelSize"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

type Gateway struct {
	HttpBinding  string            `yaml:"httpBinding"`
	Secret       string            `yaml:"secret"` // root token is derived from this
	TLS          TLS               `yaml:"tls,omitempty"`
	RateLimiter  RateLimiterConfig `yaml:"rateLimiter"`
	Sessions     SessionsConfig    `yaml:"sessions"`
	ClientDomain string            `yaml:"clientDomain,omitempty"`
}

type Timeouts struct {
	Startup  time.Duration `yaml:"startup"`
	Shutdown time.Duration `yaml:"shutdown"`
}

type Health struct {
	Interval       time.Duration `yaml:"interval"`
	StaleThreshold int           `yaml:"staleThreshold"` // consecutive stale samples before unresponsive
}

type Restart struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRetries  int           `yaml:"maxRetries"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffCap  time.Duration `yaml:"backoffCap"`
}

// Backoff returns the delay before the given restart attempt (1-based),
// doubling from the base and capped.
func (r Restart) Backoff(attempt int) time.Duration {
	d := r.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.BackoffCap {
			return r.BackoffCap
		}
	}
	if d > r.BackoffCap {
		return r.BackoffCap
	}
	return d
}

/*
	Instance is the immutable launch configuration for one managed server.
	The controller consumes it as a structured value at create time; it does
	not interpret the server's own files beyond the optional EULA write.
*/

type Instance struct {
	Name       string   `yaml:"name" json:"name"`
	ServerDir  string   `yaml:"serverDir" json:"server_dir"`
	JarPath    string   `yaml:"jarPath" json:"jar_path"` // relative to ServerDir
	JavaBin    string   `yaml:"javaBin,omitempty" json:"java_bin,omitempty"`
	JavaArgs   []string `yaml:"javaArgs,omitempty" json:"java_args,omitempty"`
	AcceptEULA bool     `yaml:"acceptEula,omitempty" json:"accept_eula,omitempty"`
	Timeouts   Timeouts `yaml:"timeouts" json:"timeouts"`
	Health     Health   `yaml:"health" json:"health"`
	Restart    Restart  `yaml:"restart" json:"restart"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Controller struct {
	HomeDir  string  `yaml:"homeDir"`
	Logging  Logging `yaml:"logging"`
	Gateway  Gateway `yaml:"gateway"`
	Defaults struct {
		Timeouts Timeouts `yaml:"timeouts"`
		Health   Health   `yaml:"health"`
		Restart  Restart  `yaml:"restart"`
	} `yaml:"defaults"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // window for stopping all instances on controller exit
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrHomeDirMissing           = errors.New("homeDir is missing in config")
	ErrHttpBindingMissing       = errors.New("gateway.httpBinding is missing in config")
	ErrSecretMissing            = errors.New("gateway.secret is missing in config")
	ErrTLSMissing               = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrRateLimiterMissing       = errors.New("gateway.rateLimiter.limit is missing in config")
	ErrSessionsMissing          = errors.New("gateway.sessions values are missing or invalid in config")

	ErrInstanceNameMissing    = errors.New("instance name is required")
	ErrInstanceDirMissing     = errors.New("instance serverDir is required")
	ErrInstanceJarNotRelative = errors.New("instance jarPath must be relative to serverDir")
)

func LoadConfig(configFile string) (*Controller, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Controller
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.HomeDir == "" {
		return nil, ErrHomeDirMissing
	}
	if cfg.Gateway.HttpBinding == "" {
		return nil, ErrHttpBindingMissing
	}
	if cfg.Gateway.Secret == "" {
		return nil, ErrSecretMissing
	}
	if cfg.Gateway.TLS.Cert != "" && cfg.Gateway.TLS.Key == "" ||
		cfg.Gateway.TLS.Cert == "" && cfg.Gateway.TLS.Key != "" {
		return nil, ErrTLSMissing
	}
	if cfg.Gateway.RateLimiter.Limit == 0 {
		return nil, ErrRateLimiterMissing
	}
	if cfg.Gateway.Sessions.EventChannelSize <= 0 ||
		cfg.Gateway.Sessions.WebSocketReadBufferSize <= 0 ||
		cfg.Gateway.Sessions.WebSocketWriteBufferSize <= 0 ||
		cfg.Gateway.Sessions.MaxConnections <= 0 {
		return nil, ErrSessionsMissing
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Controller) applyDefaults() {
	if c.Defaults.Timeouts.Startup == 0 {
		c.Defaults.Timeouts.Startup = 120 * time.Second
	}
	if c.Defaults.Timeouts.Shutdown == 0 {
		c.Defaults.Timeouts.Shutdown = 30 * time.Second
	}
	if c.Defaults.Health.Interval == 0 {
		c.Defaults.Health.Interval = 5 * time.Second
	}
	if c.Defaults.Health.StaleThreshold == 0 {
		c.Defaults.Health.StaleThreshold = 3
	}
	if c.Defaults.Restart.MaxRetries == 0 {
		c.Defaults.Restart.MaxRetries = 3
	}
	if c.Defaults.Restart.BackoffBase == 0 {
		c.Defaults.Restart.BackoffBase = 2 * time.Second
	}
	if c.Defaults.Restart.BackoffCap == 0 {
		c.Defaults.Restart.BackoffCap = 60 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 45 * time.Second
	}
}

// ValidateInstance checks a per-instance launch config and fills in the
// controller defaults for any zero-valued timing or policy fields.
func (c *Controller) ValidateInstance(inst *Instance) error {
	if inst.Name == "" {
		return ErrInstanceNameMissing
	}
	if inst.ServerDir == "" {
		return ErrInstanceDirMissing
	}
	if inst.JarPath == "" {
		inst.JarPath = DefaultJarName
	}
	if filepath.IsAbs(inst.JarPath) {
		return ErrInstanceJarNotRelative
	}
	if inst.JavaBin == "" {
		inst.JavaBin = DefaultJavaBin
	}
	if inst.Timeouts.Startup == 0 {
		inst.Timeouts.Startup = c.Defaults.Timeouts.Startup
	}
	if inst.Timeouts.Shutdown == 0 {
		inst.Timeouts.Shutdown = c.Defaults.Timeouts.Shutdown
	}
	if inst.Health.Interval == 0 {
		inst.Health.Interval = c.Defaults.Health.Interval
	}
	if inst.Health.StaleThreshold == 0 {
		inst.Health.StaleThreshold = c.Defaults.Health.StaleThreshold
	}
	// An entirely unset policy adopts the controller default wholesale; a
	// partially set one keeps its own Enabled flag.
	if inst.Restart == (Restart{}) {
		inst.Restart = c.Defaults.Restart
	}
	if inst.Restart.MaxRetries == 0 {
		inst.Restart.MaxRetries = c.Defaults.Restart.MaxRetries
	}
	if inst.Restart.BackoffBase == 0 {
		inst.Restart.BackoffBase = c.Defaults.Restart.BackoffBase
	}
	if inst.Restart.BackoffCap == 0 {
		inst.Restart.BackoffCap = c.Defaults.Restart.BackoffCap
	}
	return nil
}

func GenerateConfig(configFile string) (*Controller, error) {
	cfg := Controller{
		HomeDir: "data/mineguard",
		Logging: Logging{Level: "info"},
		Gateway: Gateway{
			HttpBinding: "127.0.0.1:9440",
			Secret:      "please_change_this_secret_in_production_!!!",
			RateLimiter: RateLimiterConfig{
				Limit: 25,
				Burst: 50,
			},
			Sessions: SessionsConfig{
				EventChannelSize:         1024,
				WebSocketReadBufferSize:  1024,
				WebSocketWriteBufferSize: 1024,
				MaxConnections:           64,
			},
		},
	}
	cfg.Defaults.Timeouts = Timeouts{
		Startup:  120 * time.Second,
		Shutdown: 30 * time.Second,
	}
	cfg.Defaults.Health = Health{
		Interval:       5 * time.Second,
		StaleThreshold: 3,
	}
	cfg.Defaults.Restart = Restart{
		Enabled:     true,
		MaxRetries:  3,
		BackoffBase: 2 * time.Second,
		BackoffCap:  60 * time.Second,
	}
	cfg.ShutdownGrace = 45 * time.Second
	return &cfg, nil
}
