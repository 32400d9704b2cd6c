// Package etcd provides a worker Registry backed by etcd. Workers write
// their heartbeat under a shared prefix with a lease, so a worker that stops
// reporting disappears once its lease expires.
package etcd

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/archivist/internal/worker"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the key prefix worker heartbeats are stored under.
const DefaultPrefix = "/archivist/workers/"

// Config holds the connection settings.
type Config struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	// TTL is the heartbeat lease length.
	TTL time.Duration
}

// kv is the part of *clientv3.Client the registry uses.
type kv interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Close() error
}

// Registry implements worker.Registry and worker.Reporter. Each worker URL
// holds one lease that is renewed by its reports.
type Registry struct {
	client kv
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewRegistry connects to etcd.
func NewRegistry(cfg Config, logger *slog.Logger) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd registry requires at least one endpoint")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return newRegistry(cli, cfg, logger), nil
}

func newRegistry(cli kv, cfg Config, logger *slog.Logger) *Registry {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		client: cli,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "etcd_registry"),
		now:    time.Now,
		leases: make(map[string]clientv3.LeaseID),
	}
}

// Close releases the etcd connection.
func (r *Registry) Close() error {
	return r.client.Close()
}

// Key returns the etcd key a worker's heartbeat is stored under.
func (r *Registry) Key(url string) string {
	sum := sha1.Sum([]byte(worker.NormalizeURL(url)))
	return r.prefix + hex.EncodeToString(sum[:])
}

// Report implements worker.Reporter.
func (r *Registry) Report(ctx context.Context, node worker.Node) error {
	node.URL = worker.NormalizeURL(node.URL)
	if err := worker.ValidateNode(node); err != nil {
		return err
	}
	node.LastReport = r.now().UTC()

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to encode worker report: %w", err)
	}

	lease, err := r.lease(ctx, node.URL)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, r.Key(node.URL), string(data), clientv3.WithLease(lease)); err != nil {
		r.forget(node.URL, lease)
		return fmt.Errorf("failed to store worker report: %w", err)
	}
	return nil
}

// lease renews the URL's lease, or grants a new one when there is none or
// it has already expired.
func (r *Registry) lease(ctx context.Context, url string) (clientv3.LeaseID, error) {
	r.mu.Lock()
	id, ok := r.leases[url]
	r.mu.Unlock()

	if ok {
		resp, err := r.client.KeepAliveOnce(ctx, id)
		if err == nil && resp.TTL > 0 {
			return id, nil
		}
		r.logger.Debug("heartbeat lease lost, granting a new one", "url", url, "error", err)
		r.forget(url, id)
	}

	grant, err := r.client.Grant(ctx, max(int64(r.ttl/time.Second), 1))
	if err != nil {
		return 0, fmt.Errorf("failed to grant heartbeat lease: %w", err)
	}
	r.mu.Lock()
	r.leases[url] = grant.ID
	r.mu.Unlock()
	return grant.ID, nil
}

func (r *Registry) forget(url string, id clientv3.LeaseID) {
	r.mu.Lock()
	if r.leases[url] == id {
		delete(r.leases, url)
	}
	r.mu.Unlock()
}

// Nodes implements worker.Registry.
func (r *Registry) Nodes(ctx context.Context) ([]worker.Node, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return decodeNodes(values, r.logger), nil
}

// decodeNodes skips entries that cannot be decoded and returns the rest
// sorted by URL.
func decodeNodes(values [][]byte, logger *slog.Logger) []worker.Node {
	nodes := make([]worker.Node, 0, len(values))
	for _, v := range values {
		var n worker.Node
		if err := json.Unmarshal(v, &n); err != nil {
			logger.Warn("skipping undecodable worker entry", "error", err)
			continue
		}
		if n.URL == "" {
			continue
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].URL < nodes[j].URL })
	return nodes
}
