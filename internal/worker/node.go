package worker

import (
	"strings"
	"time"
)

// NodeState is the health a worker reports for itself.
type NodeState string

// Known node states.
const (
	NodeUp   NodeState = "up"
	NodeDown NodeState = "down"
)

// Node is a worker endpoint as seen through a Registry.
type Node struct {
	URL           string    `json:"url" validate:"required,url"`
	ThreadsTotal  int       `json:"threads_total" validate:"gte=0"`
	ThreadsActive int       `json:"threads_active" validate:"gte=0"`
	QueueSize     int       `json:"queue_size" validate:"gte=0"`
	State         NodeState `json:"state" validate:"required,oneof=up down"`
	LastReport    time.Time `json:"last_report"`
}

// NormalizeURL trims whitespace and any trailing slash so that the same
// worker always maps to the same key.
func NormalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// load orders nodes for selection; lower is better.
func (n Node) load() float64 {
	if n.ThreadsTotal <= 0 {
		return float64(n.QueueSize)
	}
	return float64(n.QueueSize) + float64(n.ThreadsActive)/float64(n.ThreadsTotal)
}
