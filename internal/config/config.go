// Package config loads the daemon's TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"meshtun/internal/bridge"
	"meshtun/pkg/frame"
	"meshtun/pkg/serial"
	"meshtun/pkg/tun"
)

const (
	DefaultPath       = "meshtun.toml"
	DefaultSerialPort = "/dev/ttyACM0"
	DefaultTUNName    = "meshtun0"
	DefaultTUNAddr    = "10.0.0.1"
	DefaultTUNNetmask = "255.255.255.0"
	DefaultMTU        = tun.DefaultMTU
	DefaultInterval   = 60 * time.Second
	NodeIDPrefix      = "msh"
)

type Config struct {
	Serial      SerialConfig      `toml:"serial"`
	TUN         TUNConfig         `toml:"tun"`
	Mesh        MeshConfig        `toml:"mesh"`
	Discovery   DiscoveryConfig   `toml:"discovery"`
	NodeMapping map[string]string `toml:"node_mapping"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Log         LogConfig         `toml:"log"`
}

type SerialConfig struct {
	Port     string `toml:"port"`
	Baudrate int    `toml:"baudrate"`
}

type TUNConfig struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
	Netmask string `toml:"netmask"`
	MTU     int    `toml:"mtu"`
}

type MeshConfig struct {
	NodeID        string  `toml:"node_id"`
	MaxPayload    int     `toml:"max_payload"`
	TxRate        float64 `toml:"tx_rate"`
	TxBurst       int     `toml:"tx_burst"`
	QueueLen      int     `toml:"queue_len"`
	AcceptForeign bool    `toml:"accept_foreign"`
}

type DiscoveryConfig struct {
	Interval Duration `toml:"interval"`
	// TTL of learned entries; zero means three intervals.
	TTL Duration `toml:"ttl"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Duration accepts a Go duration string or an integer number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		d.Duration = time.Duration(x) * time.Second
		return nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			d.Duration = time.Duration(n) * time.Second
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	return fmt.Errorf("duration must be a string or integer seconds, got %T", v)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewNodeID returns a random identifier of the form msh-1a2b3c4d.
func NewNodeID() string {
	return NodeIDPrefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Default returns the built-in configuration with a fresh node id.
func Default() Config {
	return Config{
		Serial: SerialConfig{Port: DefaultSerialPort, Baudrate: serial.DefaultBaud},
		TUN: TUNConfig{
			Name:    DefaultTUNName,
			Address: DefaultTUNAddr,
			Netmask: DefaultTUNNetmask,
			MTU:     DefaultMTU,
		},
		Mesh: MeshConfig{
			NodeID:     NewNodeID(),
			MaxPayload: frame.DefaultLimits().MaxPayload,
			QueueLen:   bridge.DefaultQueueLen,
		},
		Discovery:   DiscoveryConfig{Interval: Duration{DefaultInterval}},
		NodeMapping: map[string]string{},
		Log:         LogConfig{Level: "info"},
	}
}

// Load overlays the keys present in the file at path onto Default and
// validates the result. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("serial", "port") {
		cfg.Serial.Port = strings.TrimSpace(raw.Serial.Port)
	}
	if meta.IsDefined("serial", "baudrate") {
		cfg.Serial.Baudrate = raw.Serial.Baudrate
	}
	if meta.IsDefined("tun", "name") {
		cfg.TUN.Name = strings.TrimSpace(raw.TUN.Name)
	}
	if meta.IsDefined("tun", "address") {
		cfg.TUN.Address = strings.TrimSpace(raw.TUN.Address)
	}
	if meta.IsDefined("tun", "netmask") {
		cfg.TUN.Netmask = strings.TrimSpace(raw.TUN.Netmask)
	}
	if meta.IsDefined("tun", "mtu") {
		cfg.TUN.MTU = raw.TUN.MTU
	}
	if meta.IsDefined("mesh", "node_id") {
		cfg.Mesh.NodeID = strings.TrimSpace(raw.Mesh.NodeID)
	}
	if meta.IsDefined("mesh", "max_payload") {
		cfg.Mesh.MaxPayload = raw.Mesh.MaxPayload
	}
	if meta.IsDefined("mesh", "tx_rate") {
		cfg.Mesh.TxRate = raw.Mesh.TxRate
	}
	if meta.IsDefined("mesh", "tx_burst") {
		cfg.Mesh.TxBurst = raw.Mesh.TxBurst
	}
	if meta.IsDefined("mesh", "queue_len") {
		cfg.Mesh.QueueLen = raw.Mesh.QueueLen
	}
	if meta.IsDefined("mesh", "accept_foreign") {
		cfg.Mesh.AcceptForeign = raw.Mesh.AcceptForeign
	}
	if meta.IsDefined("discovery", "interval") {
		cfg.Discovery.Interval = raw.Discovery.Interval
	}
	if meta.IsDefined("discovery", "ttl") {
		cfg.Discovery.TTL = raw.Discovery.TTL
	}
	if meta.IsDefined("node_mapping") {
		cfg.NodeMapping = make(map[string]string, len(raw.NodeMapping))
		for id, ip := range raw.NodeMapping {
			cfg.NodeMapping[strings.TrimSpace(id)] = strings.TrimSpace(ip)
		}
	}
	if meta.IsDefined("metrics", "listen") {
		cfg.Metrics.Listen = strings.TrimSpace(raw.Metrics.Listen)
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if err := (serial.Config{Path: c.Serial.Port, Baud: c.Serial.Baudrate}).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("serial: %w", err))
	}
	if c.TUN.Name == "" || len(c.TUN.Name) > 15 {
		errs = append(errs, fmt.Errorf("tun.name %q must be 1-15 bytes", c.TUN.Name))
	}
	if _, err := c.Prefix(); err != nil {
		errs = append(errs, err)
	}
	if c.TUN.MTU < tun.MinMTU || c.TUN.MTU > tun.MaxMTU {
		errs = append(errs, fmt.Errorf("tun.mtu %d outside %d..%d", c.TUN.MTU, tun.MinMTU, tun.MaxMTU))
	}
	if err := frame.ValidateNodeID(c.Mesh.NodeID); err != nil {
		errs = append(errs, fmt.Errorf("mesh.node_id: %w", err))
	}
	if c.Mesh.MaxPayload <= 0 {
		errs = append(errs, errors.New("mesh.max_payload must be positive"))
	} else if c.TUN.MTU > c.Mesh.MaxPayload {
		errs = append(errs, fmt.Errorf("tun.mtu %d exceeds mesh.max_payload %d", c.TUN.MTU, c.Mesh.MaxPayload))
	}
	if c.Mesh.TxRate < 0 || c.Mesh.TxBurst < 0 || c.Mesh.QueueLen < 0 {
		errs = append(errs, errors.New("mesh.tx_rate, tx_burst and queue_len must not be negative"))
	}
	if c.Discovery.Interval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("discovery.interval must be positive, got %s", c.Discovery.Interval))
	}
	if ttl := c.Discovery.TTL.Duration; ttl != 0 && ttl < c.Discovery.Interval.Duration {
		errs = append(errs, fmt.Errorf("discovery.ttl %s shorter than interval %s", ttl, c.Discovery.Interval))
	}
	if _, err := c.StaticMappings(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Prefix combines tun.address and tun.netmask. The netmask may be dotted
// quad or a prefix length.
func (c Config) Prefix() (netip.Prefix, error) {
	addr, err := netip.ParseAddr(c.TUN.Address)
	if err != nil || !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("tun.address %q is not an IPv4 address", c.TUN.Address)
	}
	bits, err := maskBits(c.TUN.Netmask)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, bits), nil
}

func maskBits(mask string) (int, error) {
	if n, err := strconv.Atoi(strings.TrimPrefix(mask, "/")); err == nil {
		if n < 1 || n > 32 {
			return 0, fmt.Errorf("tun.netmask /%d out of range", n)
		}
		return n, nil
	}
	ip := net.ParseIP(mask).To4()
	if ip == nil {
		return 0, fmt.Errorf("tun.netmask %q is not a netmask", mask)
	}
	ones, bits := net.IPMask(ip).Size()
	if bits == 0 || ones == 0 {
		return 0, fmt.Errorf("tun.netmask %q is not contiguous", mask)
	}
	return ones, nil
}

// StaticMappings parses node_mapping.
func (c Config) StaticMappings() (map[string]netip.Addr, error) {
	out := make(map[string]netip.Addr, len(c.NodeMapping))
	ids := make([]string, 0, len(c.NodeMapping))
	for id := range c.NodeMapping {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var errs []error
	for _, id := range ids {
		if err := frame.ValidateNodeID(id); err != nil {
			errs = append(errs, fmt.Errorf("node_mapping %q: %w", id, err))
			continue
		}
		addr, err := netip.ParseAddr(c.NodeMapping[id])
		if err != nil {
			errs = append(errs, fmt.Errorf("node_mapping %q: %w", id, err))
			continue
		}
		out[id] = addr
	}
	return out, errors.Join(errs...)
}

// Session converts the file configuration into a bridge configuration.
func (c Config) Session() (bridge.Config, error) {
	prefix, err := c.Prefix()
	if err != nil {
		return bridge.Config{}, err
	}
	static, err := c.StaticMappings()
	if err != nil {
		return bridge.Config{}, err
	}
	limits := frame.DefaultLimits()
	limits.MaxPayload = c.Mesh.MaxPayload
	return bridge.Config{
		NodeID:            c.Mesh.NodeID,
		Addr:              prefix,
		Static:            static,
		DiscoveryInterval: c.Discovery.Interval.Duration,
		DiscoveryTTL:      c.Discovery.TTL.Duration,
		Limits:            limits,
		MTU:               c.TUN.MTU,
		TxRate:            c.Mesh.TxRate,
		TxBurst:           c.Mesh.TxBurst,
		QueueLen:          c.Mesh.QueueLen,
		AcceptForeign:     c.Mesh.AcceptForeign,
	}, nil
}

const defaultHeader = `# meshtund configuration.
# Durations accept Go syntax ("90s", "2m") or whole seconds.
# [node_mapping] pins mesh node ids to addresses on the tun subnet.

`

// WriteDefault writes a default configuration with a sample mapping. An
// existing file is never overwritten.
func WriteDefault(path string) (Config, error) {
	cfg := Default()
	cfg.NodeMapping = map[string]string{"my_other_node": "10.0.0.2"}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Config{}, fmt.Errorf("write default config: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(defaultHeader); err != nil {
		return Config{}, fmt.Errorf("write default config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return Config{}, fmt.Errorf("write default config: %w", err)
	}
	return cfg, f.Close()
}
