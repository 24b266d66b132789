// Package config resolves node settings from flavor defaults, a .env file,
// FLOOD_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"floodnet/internal/identity"
)

type Flavor string

const (
	FlavorBasic  Flavor = "basic"
	FlavorStress Flavor = "stress"
)

type FailurePolicy string

const (
	PolicyRestart      FailurePolicy = "restart"
	PolicyRetryForever FailurePolicy = "retry-forever"
)

type StartupPolicy string

const (
	StartupIdle  StartupPolicy = "idle"
	StartupRetry StartupPolicy = "retry"
)

const (
	TransportQUIC = "quic"
	TransportWS   = "ws"

	RegistryFile  = "file"
	consulScheme  = "consul://"
	DefaultNodes  = "nodes"
	defaultListen = "0.0.0.0"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Name      string
	Flavor    Flavor
	NodesDir  string
	Registry  string
	Transport string
	// ListenAddr is host:port; empty derives the port from PortBase or
	// picks a free one.
	ListenAddr   string
	PortBase     int
	IdentityPath string

	SizeMin     int
	SizeMax     int
	Throttle    time.Duration
	AbortAfter  time.Duration
	OpenTimeout time.Duration
	RetryDelay  time.Duration

	FailurePolicy     FailurePolicy
	FailureThreshold  int
	StartupPolicy     StartupPolicy
	StartupRetryDelay time.Duration
	StartJitter       time.Duration

	RequireIPv4       bool
	DropOnFailure     bool
	Duration          time.Duration
	MaxInboundStreams int
	MaxConnsPerIP     int
	DedupCap          int
	DedupTTL          time.Duration

	ReportInterval time.Duration
	SnapshotPath   string
	ReportDSN      string
	Display        bool
	Quiet          bool
	PprofAddr      string
	Debug          bool
}

// Default returns the settings of a flavor; an unknown flavor yields basic.
func Default(f Flavor) Config {
	c := Config{
		Flavor:            FlavorBasic,
		NodesDir:          DefaultNodes,
		Registry:          RegistryFile,
		Transport:         TransportQUIC,
		SizeMin:           1,
		SizeMax:           64,
		Throttle:          time.Second,
		OpenTimeout:       5 * time.Second,
		FailurePolicy:     PolicyRestart,
		FailureThreshold:  10,
		StartupPolicy:     StartupIdle,
		StartupRetryDelay: 5 * time.Second,
		StartJitter:       time.Second,
		MaxInboundStreams: 4096,
		ReportInterval:    500 * time.Millisecond,
		Display:           true,
	}
	if f == FlavorStress {
		c.Flavor = FlavorStress
		c.SizeMin, c.SizeMax = 128, 128
		c.Throttle = 20 * time.Millisecond
		c.FailurePolicy = PolicyRetryForever
		c.RequireIPv4 = true
		c.DropOnFailure = true
		c.Duration = 90 * time.Second
		c.MaxInboundStreams = 500000
	}
	c.AbortAfter = c.Throttle / 3
	return c
}

// LoadDotEnv loads ./.env when present. Variables already set in the
// environment win.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// ApplyEnv overrides c with any FLOOD_* variables that are set. Malformed
// values are reported rather than ignored.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok, err := envInt(key); err != nil {
			errs = append(errs, err)
		} else if ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok, err := envDuration(key); err != nil {
			errs = append(errs, err)
		} else if ok {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok, err := envBool(key); err != nil {
			errs = append(errs, err)
		} else if ok {
			*dst = v
		}
	}
	str("FLOOD_NODES_DIR", &c.NodesDir)
	str("FLOOD_REGISTRY", &c.Registry)
	str("FLOOD_TRANSPORT", &c.Transport)
	str("FLOOD_LISTEN", &c.ListenAddr)
	str("FLOOD_IDENTITY", &c.IdentityPath)
	str("FLOOD_SNAPSHOT", &c.SnapshotPath)
	str("FLOOD_REPORT", &c.ReportDSN)
	str("FLOOD_PPROF", &c.PprofAddr)
	var policy, startup string
	str("FLOOD_FAILURE_POLICY", &policy)
	str("FLOOD_STARTUP_POLICY", &startup)
	if policy != "" {
		c.FailurePolicy = FailurePolicy(policy)
	}
	if startup != "" {
		c.StartupPolicy = StartupPolicy(startup)
	}
	num("FLOOD_PORT_BASE", &c.PortBase)
	num("FLOOD_SIZE_MIN", &c.SizeMin)
	num("FLOOD_SIZE_MAX", &c.SizeMax)
	num("FLOOD_FAILURE_THRESHOLD", &c.FailureThreshold)
	num("FLOOD_MAX_INBOUND_STREAMS", &c.MaxInboundStreams)
	num("FLOOD_MAX_CONNS_PER_IP", &c.MaxConnsPerIP)
	num("FLOOD_DEDUP_CAP", &c.DedupCap)
	dur("FLOOD_THROTTLE", &c.Throttle)
	dur("FLOOD_ABORT_AFTER", &c.AbortAfter)
	dur("FLOOD_OPEN_TIMEOUT", &c.OpenTimeout)
	dur("FLOOD_RETRY_DELAY", &c.RetryDelay)
	dur("FLOOD_STARTUP_RETRY_DELAY", &c.StartupRetryDelay)
	dur("FLOOD_START_JITTER", &c.StartJitter)
	dur("FLOOD_DURATION", &c.Duration)
	dur("FLOOD_DEDUP_TTL", &c.DedupTTL)
	dur("FLOOD_REPORT_INTERVAL", &c.ReportInterval)
	flag("FLOOD_REQUIRE_IPV4", &c.RequireIPv4)
	flag("FLOOD_DROP_ON_FAILURE", &c.DropOnFailure)
	flag("FLOOD_DISPLAY", &c.Display)
	flag("FLOOD_QUIET", &c.Quiet)
	flag("FLOOD_DEBUG", &c.Debug)
	return errors.Join(errs...)
}

func envInt(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

// envDuration accepts Go durations ("250ms") or bare milliseconds.
func envDuration(key string) (time.Duration, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, true, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return d, true, nil
}

func envBool(key string) (bool, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return b, true, nil
}

// Resolve fills settings derived from others. Call after env and flags.
func (c *Config) Resolve() {
	if c.IdentityPath == "" && c.Name != "" {
		c.IdentityPath = identity.PathFor(c.NodesDir, c.Name)
	}
	if c.ListenAddr == "" {
		port := 0
		if c.PortBase > 0 {
			port = DerivedPort(c.PortBase, c.Name)
		}
		c.ListenAddr = defaultListen + ":" + strconv.Itoa(port)
	}
}

// DerivedPort maps a node name to a fixed port: PortBase plus the trailing
// digits of the name (node3 → base+3), or PortBase when there are none.
func DerivedPort(base int, name string) int {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return base
	}
	return base + n
}

// ConsulAddr returns the agent address when the registry is Consul.
func (c Config) ConsulAddr() (string, bool) {
	if !strings.HasPrefix(c.Registry, consulScheme) {
		return "", false
	}
	return strings.TrimPrefix(c.Registry, consulScheme), true
}

func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.Name == "" {
		bad("missing node name")
	} else if strings.HasSuffix(c.Name, "_id") {
		bad("node name %q ends in _id, which is reserved for identity files", c.Name)
	} else if strings.ContainsAny(c.Name, `/\`) || strings.HasPrefix(c.Name, ".") {
		bad("node name %q not usable as a registry key", c.Name)
	}
	if c.Flavor != FlavorBasic && c.Flavor != FlavorStress {
		bad("flavor %q", c.Flavor)
	}
	if c.Transport != TransportQUIC && c.Transport != TransportWS {
		bad("transport %q", c.Transport)
	}
	if _, ok := c.ConsulAddr(); !ok && c.Registry != RegistryFile {
		bad("registry %q", c.Registry)
	}
	if c.Registry == RegistryFile && c.NodesDir == "" {
		bad("missing nodes dir")
	}
	if c.SizeMin < 1 || c.SizeMax < c.SizeMin {
		bad("message size range %d..%d", c.SizeMin, c.SizeMax)
	}
	if c.Throttle < 0 || c.AbortAfter < 0 || c.OpenTimeout <= 0 || c.RetryDelay < 0 {
		bad("negative timing")
	}
	switch c.FailurePolicy {
	case PolicyRestart:
		if c.FailureThreshold < 1 {
			bad("failure threshold %d", c.FailureThreshold)
		}
	case PolicyRetryForever:
	default:
		bad("failure policy %q", c.FailurePolicy)
	}
	if c.StartupPolicy != StartupIdle && c.StartupPolicy != StartupRetry {
		bad("startup policy %q", c.StartupPolicy)
	}
	if c.Duration < 0 || c.DedupCap < 0 || c.DedupTTL < 0 || c.MaxInboundStreams < 0 || c.MaxConnsPerIP < 0 {
		bad("negative limit")
	}
	if c.ReportInterval <= 0 {
		bad("report interval %s", c.ReportInterval)
	}
	return errors.Join(errs...)
}
