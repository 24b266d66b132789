package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultFlavors(t *testing.T) {
	b := Default(FlavorBasic)
	if b.FailurePolicy != PolicyRestart || b.FailureThreshold != 10 || b.SizeMin != 1 || b.SizeMax != 64 {
		t.Fatalf("unexpected basic defaults: %+v", b)
	}
	if b.Throttle != time.Second || b.AbortAfter != time.Second/3 {
		t.Fatalf("unexpected basic timing: %s %s", b.Throttle, b.AbortAfter)
	}
	s := Default(FlavorStress)
	if s.FailurePolicy != PolicyRetryForever || !s.RequireIPv4 || !s.DropOnFailure {
		t.Fatalf("unexpected stress defaults: %+v", s)
	}
	if s.SizeMin != 128 || s.SizeMax != 128 || s.Throttle != 20*time.Millisecond || s.Duration != 90*time.Second {
		t.Fatalf("unexpected stress sizing: %+v", s)
	}
	if !s.Display || !b.Display {
		t.Fatalf("inbound display should default on for both flavors")
	}
	if Default("bogus").Flavor != FlavorBasic {
		t.Fatalf("unknown flavor should fall back to basic")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FLOOD_THROTTLE", "250ms")
	t.Setenv("FLOOD_ABORT_AFTER", "40")
	t.Setenv("FLOOD_SIZE_MAX", "32")
	t.Setenv("FLOOD_FAILURE_POLICY", "retry-forever")
	t.Setenv("FLOOD_REQUIRE_IPV4", "true")
	t.Setenv("FLOOD_REGISTRY", "consul://127.0.0.1:8500")
	c := Default(FlavorBasic)
	if err := c.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if c.Throttle != 250*time.Millisecond || c.AbortAfter != 40*time.Millisecond {
		t.Fatalf("unexpected durations: %s %s", c.Throttle, c.AbortAfter)
	}
	if c.SizeMax != 32 || c.FailurePolicy != PolicyRetryForever || !c.RequireIPv4 {
		t.Fatalf("env not applied: %+v", c)
	}
	if addr, ok := c.ConsulAddr(); !ok || addr != "127.0.0.1:8500" {
		t.Fatalf("unexpected consul addr %q %v", addr, ok)
	}
}

func TestApplyEnvRejectsMalformed(t *testing.T) {
	t.Setenv("FLOOD_SIZE_MIN", "many")
	t.Setenv("FLOOD_DEBUG", "maybe")
	c := Default(FlavorBasic)
	if err := c.ApplyEnv(); err == nil {
		t.Fatalf("expected error for malformed env")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	if err := LoadDotEnv(); err != nil {
		t.Fatalf("missing .env should be fine: %v", err)
	}
	t.Setenv("FLOOD_PORT_BASE", "")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FLOOD_PORT_BASE=7000\n"), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	os.Unsetenv("FLOOD_PORT_BASE")
	if err := LoadDotEnv(); err != nil {
		t.Fatalf("load .env: %v", err)
	}
	c := Default(FlavorBasic)
	if err := c.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if c.PortBase != 7000 {
		t.Fatalf("expected port base from .env, got %d", c.PortBase)
	}
}

func TestResolve(t *testing.T) {
	c := Default(FlavorBasic)
	c.Name = "node3"
	c.NodesDir = "nodes"
	c.PortBase = 7000
	c.Resolve()
	if c.ListenAddr != "0.0.0.0:7003" {
		t.Fatalf("unexpected listen addr %q", c.ListenAddr)
	}
	if c.IdentityPath != filepath.Join("nodes", "node3_id") {
		t.Fatalf("unexpected identity path %q", c.IdentityPath)
	}
	d := Default(FlavorBasic)
	d.Name = "A"
	d.Resolve()
	if d.ListenAddr != "0.0.0.0:0" {
		t.Fatalf("expected ephemeral port, got %q", d.ListenAddr)
	}
}

func TestDerivedPort(t *testing.T) {
	cases := map[string]int{"1": 7001, "node12": 7012, "A": 7000}
	for name, want := range cases {
		if got := DerivedPort(7000, name); got != want {
			t.Fatalf("DerivedPort(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	c := Default(FlavorBasic)
	c.Name = "A"
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := c
	bad.Name = ""
	bad.SizeMin = 10
	bad.SizeMax = 5
	bad.Transport = "tcp"
	err := bad.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	bad = c
	bad.Name = "A_id"
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "reserved for identity files") {
		t.Fatalf("expected identity-like name rejected, got %v", err)
	}
	bad = c
	bad.FailureThreshold = 0
	if bad.Validate() == nil {
		t.Fatalf("expected zero threshold rejected under restart policy")
	}
	bad.FailurePolicy = PolicyRetryForever
	if err := bad.Validate(); err != nil {
		t.Fatalf("threshold irrelevant under retry-forever: %v", err)
	}
}
