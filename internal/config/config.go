// Package config holds the engine configuration: defaults, CLI flag
// binding and IPMSG_* environment overrides.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/1ureka/ipmsg/internal/protocol"
)

// Config stores every tunable of the engine.
type Config struct {
	// Identity
	UserName string
	HostName string
	NickName string
	Group    string

	// Network
	Port           int
	ReceiveTimeout time.Duration // UDP read deadline, bounds shutdown latency
	DialTimeout    time.Duration // outbound transfer connections

	// Discovery
	DiscoveryInterval   time.Duration
	FirstDiscoveryDelay time.Duration
	ConfirmWindow       time.Duration
	ConfirmMaxCount     int // unicast re-probes before a peer is evicted

	// Delivery
	SendInterval   time.Duration
	SendRetryLimit int

	// Transfer
	ChunkSize int

	// Bridge listen address, empty disables it.
	BridgeAddr string

	Debug bool
}

// Default returns the stock configuration for this machine.
func Default() Config {
	cfg := Config{
		UserName:            "user",
		HostName:            "localhost",
		Port:                protocol.DefaultPort,
		ReceiveTimeout:      500 * time.Millisecond,
		DialTimeout:         10 * time.Second,
		DiscoveryInterval:   60 * time.Second,
		FirstDiscoveryDelay: 3 * time.Second,
		ConfirmWindow:       2 * time.Second,
		ConfirmMaxCount:     3,
		SendInterval:        time.Second,
		SendRetryLimit:      5,
		ChunkSize:           64 * 1024,
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		cfg.UserName = u.Username
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		cfg.HostName = h
	}
	return cfg
}

// BindFlags registers CLI flags that write into cfg.
func (cfg *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.UserName, "user", cfg.UserName, "Login name sent in every packet")
	fs.StringVar(&cfg.HostName, "host", cfg.HostName, "Host name sent in every packet")
	fs.StringVar(&cfg.NickName, "nick", cfg.NickName, "Display name shown to peers")
	fs.StringVar(&cfg.Group, "group", cfg.Group, "Group name shown to peers")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "UDP/TCP protocol port")
	fs.DurationVar(&cfg.DiscoveryInterval, "discovery", cfg.DiscoveryInterval, "Interval between discovery cycles")
	fs.StringVar(&cfg.BridgeAddr, "bridge", cfg.BridgeAddr, "WebSocket bridge listen address (e.g. 127.0.0.1:2426)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
}

// ApplyEnv overrides fields from IPMSG_* environment variables.
func (cfg *Config) ApplyEnv() error {
	var errs []error
	cfg.UserName = envOr("IPMSG_USER", cfg.UserName)
	cfg.HostName = envOr("IPMSG_HOST", cfg.HostName)
	cfg.NickName = envOr("IPMSG_NICK", cfg.NickName)
	cfg.Group = envOr("IPMSG_GROUP", cfg.Group)
	cfg.BridgeAddr = envOr("IPMSG_BRIDGE_ADDR", cfg.BridgeAddr)
	cfg.Port = envInt("IPMSG_PORT", cfg.Port, &errs)
	cfg.DiscoveryInterval = envDuration("IPMSG_DISCOVERY_INTERVAL", cfg.DiscoveryInterval, &errs)
	cfg.ConfirmWindow = envDuration("IPMSG_CONFIRM_WINDOW", cfg.ConfirmWindow, &errs)
	cfg.ConfirmMaxCount = envInt("IPMSG_CONFIRM_MAX", cfg.ConfirmMaxCount, &errs)
	cfg.SendInterval = envDuration("IPMSG_SEND_INTERVAL", cfg.SendInterval, &errs)
	cfg.SendRetryLimit = envInt("IPMSG_SEND_RETRIES", cfg.SendRetryLimit, &errs)
	cfg.Debug = envBool("IPMSG_DEBUG", cfg.Debug, &errs)
	return errors.Join(errs...)
}

// Validate checks ranges and required fields.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.UserName == "" {
		errs = append(errs, errors.New("user name is required"))
	}
	if cfg.HostName == "" {
		errs = append(errs, errors.New("host name is required"))
	}
	if strings.Contains(cfg.UserName, ":") || strings.Contains(cfg.HostName, ":") {
		errs = append(errs, errors.New("user and host names must not contain ':'"))
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d (must be 1~65535)", cfg.Port))
	}
	if cfg.ReceiveTimeout <= 0 || cfg.SendInterval <= 0 || cfg.ConfirmWindow <= 0 || cfg.DiscoveryInterval <= 0 {
		errs = append(errs, errors.New("timeouts and intervals must be positive"))
	}
	if cfg.ConfirmMaxCount < 0 {
		errs = append(errs, errors.New("confirm max count must not be negative"))
	}
	if cfg.SendRetryLimit < 1 {
		errs = append(errs, errors.New("send retry limit must be at least 1"))
	}
	if cfg.ChunkSize < 1 {
		errs = append(errs, errors.New("chunk size must be positive"))
	}
	return errors.Join(errs...)
}

// DisplayName is the nickname, falling back to the user name.
func (cfg *Config) DisplayName() string {
	if cfg.NickName != "" {
		return cfg.NickName
	}
	return cfg.UserName
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func envBool(key string, fallback bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
