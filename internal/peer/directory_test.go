package peer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const (
	addrA = "/ip4/127.0.0.1/udp/7001/quic-v1"
	addrB = "/ip4/127.0.0.1/udp/7002/quic-v1"
	addrC = "/ip6/::1/udp/7003/quic-v1"
)

func writeEntry(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDirectoryExcludesSelf(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "A", addrA+"\n")
	writeEntry(t, dir, "B", addrB+"\n\n")
	reg, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	d := &Directory{Registry: reg, Self: "A"}
	got := d.Peers(context.Background())
	if !reflect.DeepEqual(got, []string{addrB}) {
		t.Fatalf("unexpected peers: %v", got)
	}
	d.Self = "B"
	got = d.Peers(context.Background())
	if !reflect.DeepEqual(got, []string{addrA}) {
		t.Fatalf("unexpected peers for B: %v", got)
	}
}

func TestDirectorySkipsMarkersAndMalformed(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, placeholderFile, "")
	writeEntry(t, dir, "A_id", "deadbeef")
	writeEntry(t, dir, "B", "garbage\n"+addrB+"\n")
	writeEntry(t, dir, "C", "")
	reg, _ := NewFileRegistry(dir)
	d := &Directory{Registry: reg, Self: "A"}
	got := d.Peers(context.Background())
	if !reflect.DeepEqual(got, []string{addrB}) {
		t.Fatalf("unexpected peers: %v", got)
	}
}

func TestDirectoryRequireIPv4(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "B", addrB+"\n"+addrC+"\n")
	reg, _ := NewFileRegistry(dir)
	d := &Directory{Registry: reg, Self: "A", RequireIPv4: true}
	if got := d.Peers(context.Background()); !reflect.DeepEqual(got, []string{addrB}) {
		t.Fatalf("expected only ipv4, got %v", got)
	}
	d.RequireIPv4 = false
	if got := d.Peers(context.Background()); len(got) != 2 {
		t.Fatalf("expected both addresses, got %v", got)
	}
}

func TestDirectoryReflectsChangesBetweenReads(t *testing.T) {
	dir := t.TempDir()
	reg, _ := NewFileRegistry(dir)
	d := &Directory{Registry: reg, Self: "A"}
	if got := d.Peers(context.Background()); len(got) != 0 {
		t.Fatalf("expected empty directory, got %v", got)
	}
	writeEntry(t, dir, "B", addrB+"\n")
	if got := d.Peers(context.Background()); len(got) != 1 {
		t.Fatalf("expected new peer to appear, got %v", got)
	}
}

func TestPublishReplacesEntry(t *testing.T) {
	dir := t.TempDir()
	reg, _ := NewFileRegistry(dir)
	d := &Directory{Registry: reg, Self: "A"}
	if err := d.Publish(context.Background(), []string{addrA, addrC}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := d.Publish(context.Background(), []string{addrA}); err != nil {
		t.Fatalf("republish: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "A"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != addrA+"\n" {
		t.Fatalf("unexpected entry content %q", data)
	}
	other := &Directory{Registry: reg, Self: "B"}
	if got := other.Peers(context.Background()); !reflect.DeepEqual(got, []string{addrA}) {
		t.Fatalf("unexpected view from B: %v", got)
	}
}

func TestPublishRejectsBadName(t *testing.T) {
	reg, _ := NewFileRegistry(t.TempDir())
	if err := reg.Publish(context.Background(), "../x", nil); err == nil {
		t.Fatalf("expected error for path-like name")
	}
}

type failingRegistry struct{}

func (failingRegistry) List(context.Context) ([]Entry, error) { return nil, errors.New("down") }
func (failingRegistry) Publish(context.Context, string, []string) error {
	return errors.New("down")
}

func TestDirectoryRegistryFailureIsEmpty(t *testing.T) {
	d := &Directory{Registry: failingRegistry{}, Self: "A"}
	if got := d.Peers(context.Background()); len(got) != 0 {
		t.Fatalf("expected no peers, got %v", got)
	}
}
