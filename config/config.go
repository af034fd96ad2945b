// Package config loads kernel and frontend settings.
//
// Values come from, in increasing precedence: Defaults, a YAML file, and
// environment variables named by the `env` struct tags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Kernel   KernelConfig   `yaml:"kernel"`
	Comm     CommConfig     `yaml:"comm"`
	Registry RegistryConfig `yaml:"registry"`
	Client   ClientConfig   `yaml:"client"`
	Log      LogConfig      `yaml:"log"`
}

// KernelConfig configures the kernel host.
type KernelConfig struct {
	Target    string        `yaml:"target" env:"KERNEL_RPC_TARGET"`
	Listen    string        `yaml:"listen" env:"KERNEL_RPC_LISTEN"`
	Websocket string        `yaml:"websocket" env:"KERNEL_RPC_WEBSOCKET"` // Empty disables the websocket endpoint
	Advertise string        `yaml:"advertise" env:"KERNEL_RPC_ADVERTISE"` // Address published in the registry
	Codec     string        `yaml:"codec" env:"KERNEL_RPC_CODEC"`         // Envelope content codec on streams
	Heartbeat time.Duration `yaml:"heartbeat" env:"KERNEL_RPC_HEARTBEAT"`
	Weight    int           `yaml:"weight" env:"KERNEL_RPC_WEIGHT"`
	Version   string        `yaml:"version" env:"KERNEL_RPC_VERSION"`

	RateLimit         float64       `yaml:"rate_limit" env:"KERNEL_RPC_RATE_LIMIT"` // Calls per second, 0 disables
	RateBurst         int           `yaml:"rate_burst" env:"KERNEL_RPC_RATE_BURST"`
	SlowCallThreshold time.Duration `yaml:"slow_call_threshold" env:"KERNEL_RPC_SLOW_CALL"`
}

// CommConfig configures remote calls on both sides.
type CommConfig struct {
	Payload          string        `yaml:"payload" env:"KERNEL_RPC_PAYLOAD"` // Payload serializer: cbor or json
	Timeout          time.Duration `yaml:"timeout" env:"KERNEL_RPC_TIMEOUT"`
	OrphanTTL        time.Duration `yaml:"orphan_ttl" env:"KERNEL_RPC_ORPHAN_TTL"`
	WaitStrategy     string        `yaml:"wait_strategy" env:"KERNEL_RPC_WAIT_STRATEGY"` // pump or poll
	AllowNestedWaits bool          `yaml:"allow_nested_waits" env:"KERNEL_RPC_ALLOW_NESTED_WAITS"`
}

// RegistryConfig selects where kernels are published.
type RegistryConfig struct {
	Kind        string        `yaml:"kind" env:"KERNEL_RPC_REGISTRY"` // none, memory or etcd
	Endpoints   []string      `yaml:"endpoints" env:"KERNEL_RPC_ETCD_ENDPOINTS"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"KERNEL_RPC_ETCD_DIAL_TIMEOUT"`
	TTL         int64         `yaml:"ttl" env:"KERNEL_RPC_REGISTRY_TTL"` // Lease seconds
}

// ClientConfig configures the frontend.
type ClientConfig struct {
	Balancer    string        `yaml:"balancer" env:"KERNEL_RPC_BALANCER"`
	SessionKey  string        `yaml:"session_key" env:"KERNEL_RPC_SESSION_KEY"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"KERNEL_RPC_DIAL_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"KERNEL_RPC_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"KERNEL_RPC_LOG_PRETTY"`
}

// Defaults returns a configuration usable without a file.
func Defaults() *Config {
	return &Config{
		Kernel: KernelConfig{
			Target:            "kernel_api",
			Listen:            "127.0.0.1:7878",
			Codec:             "json",
			Heartbeat:         30 * time.Second,
			Weight:            1,
			RateBurst:         100,
			SlowCallThreshold: time.Second,
		},
		Comm: CommConfig{
			Payload:          "cbor",
			Timeout:          3 * time.Second,
			OrphanTTL:        time.Minute,
			WaitStrategy:     "pump",
			AllowNestedWaits: true,
		},
		Registry: RegistryConfig{
			Kind:        "none",
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
			TTL:         10,
		},
		Client: ClientConfig{
			Balancer:    "round_robin",
			DialTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration for values the components reject.
func (c *Config) Validate() error {
	var errs []error
	if c.Kernel.Target == "" {
		errs = append(errs, errors.New("kernel.target must not be empty"))
	}
	if c.Kernel.Listen == "" && c.Kernel.Websocket == "" {
		errs = append(errs, errors.New("kernel.listen or kernel.websocket must be set"))
	}
	if !oneOf(c.Kernel.Codec, "json", "cbor") {
		errs = append(errs, fmt.Errorf("kernel.codec: unsupported codec %q", c.Kernel.Codec))
	}
	if c.Kernel.RateLimit < 0 || c.Kernel.RateBurst < 0 {
		errs = append(errs, errors.New("kernel.rate_limit and kernel.rate_burst must not be negative"))
	}
	if !oneOf(c.Comm.Payload, "json", "cbor") {
		errs = append(errs, fmt.Errorf("comm.payload: unsupported codec %q", c.Comm.Payload))
	}
	if c.Comm.Timeout <= 0 {
		errs = append(errs, errors.New("comm.timeout must be positive"))
	}
	if c.Comm.OrphanTTL <= 0 {
		errs = append(errs, errors.New("comm.orphan_ttl must be positive"))
	}
	if !oneOf(c.Comm.WaitStrategy, "pump", "poll") {
		errs = append(errs, fmt.Errorf("comm.wait_strategy: unknown strategy %q", c.Comm.WaitStrategy))
	}
	switch c.Registry.Kind {
	case "none", "memory":
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			errs = append(errs, errors.New("registry.endpoints required for etcd"))
		}
		if c.Registry.TTL <= 0 {
			errs = append(errs, errors.New("registry.ttl must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.kind: unknown registry %q", c.Registry.Kind))
	}
	if !oneOf(c.Client.Balancer, "round_robin", "weighted_random", "consistent_hash") {
		errs = append(errs, fmt.Errorf("client.balancer: unknown strategy %q", c.Client.Balancer))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
