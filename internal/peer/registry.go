package peer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"floodnet/internal/debuglog"
)

const (
	placeholderFile = ".NODES_WILL_APPEAR_HERE"
	identitySuffix  = "_id"
	consulPrefix    = "floodnet/nodes/"
)

// Entry is one node's registry record: its key and raw newline-separated
// address list.
type Entry struct {
	Name string
	Raw  string
}

// Registry is the shared key-value store nodes advertise themselves in.
// Each node writes only its own key.
type Registry interface {
	List(ctx context.Context) ([]Entry, error)
	Publish(ctx context.Context, name string, addrs []string) error
}

type FileRegistry struct {
	Dir string
}

func NewFileRegistry(dir string) (*FileRegistry, error) {
	if dir == "" {
		return nil, fmt.Errorf("missing registry dir")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileRegistry{Dir: dir}, nil
}

func (r *FileRegistry) List(_ context.Context) ([]Entry, error) {
	files, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !isEntryName(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.Dir, name))
		if err != nil {
			debuglog.Debugf("registry skip entry=%s err=%v", name, err)
			continue
		}
		out = append(out, Entry{Name: name, Raw: string(data)})
	}
	return out, nil
}

// Publish replaces the node's file in one rename so readers never observe a
// half-written entry.
func (r *FileRegistry) Publish(_ context.Context, name string, addrs []string) error {
	if !isEntryName(name) {
		return fmt.Errorf("invalid registry name %q", name)
	}
	path := filepath.Join(r.Dir, name)
	tmp, err := os.CreateTemp(r.Dir, "."+name+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.WriteString(joinAddrs(addrs)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func isEntryName(name string) bool {
	if name == "" || name == placeholderFile || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.HasSuffix(name, identitySuffix) {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

type ConsulRegistry struct {
	kv     *consulapi.KV
	prefix string
}

func NewConsulRegistry(addr string) (*ConsulRegistry, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulRegistry{kv: cli.KV(), prefix: consulPrefix}, nil
}

func (r *ConsulRegistry) List(ctx context.Context) ([]Entry, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	pairs, _, err := r.kv.List(r.prefix, q)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		if p == nil {
			continue
		}
		name := strings.TrimPrefix(p.Key, r.prefix)
		if !isEntryName(name) {
			continue
		}
		out = append(out, Entry{Name: name, Raw: string(p.Value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *ConsulRegistry) Publish(ctx context.Context, name string, addrs []string) error {
	if !isEntryName(name) {
		return fmt.Errorf("invalid registry name %q", name)
	}
	w := (&consulapi.WriteOptions{}).WithContext(ctx)
	_, err := r.kv.Put(&consulapi.KVPair{Key: r.prefix + name, Value: []byte(joinAddrs(addrs))}, w)
	return err
}

func joinAddrs(addrs []string) string {
	var b strings.Builder
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		b.WriteString(a)
		b.WriteByte('\n')
	}
	return b.String()
}
