package netconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Provider supplies the current network epoch and change notifications.
type Provider interface {
	// Config returns the current member set.
	Config(ctx context.Context) (*NetConfig, error)
	// Watch calls fn with each new epoch until ctx is done. Optional:
	// static providers return immediately.
	Watch(ctx context.Context, fn func(*NetConfig))
}

// Static is a fixed, in-process provider (tests, single-file deploys).
type Static struct {
	cfg *NetConfig
}

// NewStatic wraps an already-built config.
func NewStatic(cfg *NetConfig) *Static { return &Static{cfg: cfg} }

func (s *Static) Config(ctx context.Context) (*NetConfig, error) { return s.cfg, nil }

func (s *Static) Watch(ctx context.Context, fn func(*NetConfig)) {}

// Etcd reads the member set from an etcd prefix. Each node registers
// itself as a JSON NodeInfo under <prefix>/<number>; a watch on the
// prefix announces epoch changes.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd creates a provider over the given endpoints.
func NewEtcd(endpoints []string, prefix string, dialTimeout time.Duration) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Etcd{client: client, prefix: prefix}, nil
}

// Register publishes this node's info under the provider prefix.
func (e *Etcd) Register(ctx context.Context, info NodeInfo) error {
	encoded, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal node info: %w", err)
	}
	key := fmt.Sprintf("%s/%d", e.prefix, info.Number)
	if _, err := e.client.Put(ctx, key, string(encoded)); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	return nil
}

func (e *Etcd) Config(ctx context.Context) (*NetConfig, error) {
	resp, err := e.client.Get(ctx, e.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to read net config: %w", err)
	}
	nodes := make([]NodeInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info NodeInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			return nil, fmt.Errorf("bad node entry %s: %w", kv.Key, err)
		}
		nodes = append(nodes, info)
	}
	return New(nodes)
}

func (e *Etcd) Watch(ctx context.Context, fn func(*NetConfig)) {
	watch := e.client.Watch(ctx, e.prefix+"/", clientv3.WithPrefix())
	for range watch {
		cfg, err := e.Config(ctx)
		if err != nil {
			log.Printf("netconfig: reload after watch event failed: %v", err)
			continue
		}
		fn(cfg)
	}
}

// Close releases the etcd client.
func (e *Etcd) Close() error { return e.client.Close() }
