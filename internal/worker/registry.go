package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Registry lists the known worker endpoints.
// Version: 1.0
type Registry interface {
	// Nodes returns every known worker with its last reported load.
	Nodes(ctx context.Context) ([]Node, error)
}

// Reporter accepts heartbeats from workers.
// Version: 1.0
type Reporter interface {
	// Report records the current state of a worker.
	Report(ctx context.Context, node Node) error
}

var nodeValidator = validator.New()

// ValidateNode checks a heartbeat before it is recorded.
func ValidateNode(n Node) error {
	if err := nodeValidator.Struct(n); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNode, err)
	}
	return nil
}

// StaticRegistry serves a fixed list of workers that are always Up and idle.
// Load is only tracked locally by the Pool.
type StaticRegistry struct {
	nodes []Node
}

// NewStaticRegistry creates a registry from a list of worker base URLs.
func NewStaticRegistry(urls []string) *StaticRegistry {
	nodes := make([]Node, 0, len(urls))
	for _, u := range urls {
		if u = NormalizeURL(u); u != "" {
			nodes = append(nodes, Node{URL: u, ThreadsTotal: 1, State: NodeUp})
		}
	}
	return &StaticRegistry{nodes: nodes}
}

// Nodes implements Registry.
func (r *StaticRegistry) Nodes(ctx context.Context) ([]Node, error) {
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out, nil
}

// MemoryRegistry keeps heartbeats in process. A worker that has not
// reported within the TTL is listed as Down.
type MemoryRegistry struct {
	mu    sync.RWMutex
	nodes map[string]Node
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryRegistry creates an empty heartbeat registry.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		nodes: make(map[string]Node),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Report implements Reporter.
func (r *MemoryRegistry) Report(ctx context.Context, node Node) error {
	node.URL = NormalizeURL(node.URL)
	if err := ValidateNode(node); err != nil {
		return err
	}
	node.LastReport = r.now().UTC()

	r.mu.Lock()
	r.nodes[node.URL] = node
	r.mu.Unlock()
	return nil
}

// Nodes implements Registry, sorted by URL.
func (r *MemoryRegistry) Nodes(ctx context.Context) ([]Node, error) {
	now := r.now()

	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if r.ttl > 0 && now.Sub(n.LastReport) > r.ttl {
			n.State = NodeDown
		}
		out = append(out, n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}
