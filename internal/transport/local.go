package transport

import (
	"context"
	"sync"
	"time"

	"github.com/terminal-bench/notarium/internal/netconfig"
	"github.com/terminal-bench/notarium/pkg/items"
	"github.com/terminal-bench/notarium/pkg/messaging"
)

// LocalMesh is an in-process mesh used by multi-node tests. Individual
// links can be severed to simulate a partition; the rest of the mesh
// keeps delivering.
type LocalMesh struct {
	mu       sync.RWMutex
	handlers map[int]func(messaging.Notification)
	servers  map[int]func(id items.HashID) []byte
	blocked  map[[2]int]bool
}

// NewLocalMesh creates an empty mesh.
func NewLocalMesh() *LocalMesh {
	return &LocalMesh{
		handlers: make(map[int]func(messaging.Notification)),
		servers:  make(map[int]func(id items.HashID) []byte),
		blocked:  make(map[[2]int]bool),
	}
}

// Block severs the a->b link (one direction).
func (m *LocalMesh) Block(from, to int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[[2]int{from, to}] = true
}

// BlockBoth severs both directions between a and b.
func (m *LocalMesh) BlockBoth(a, b int) {
	m.Block(a, b)
	m.Block(b, a)
}

// Restore heals the a->b link.
func (m *LocalMesh) Restore(from, to int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, [2]int{from, to})
}

// RestoreBoth heals both directions between a and b.
func (m *LocalMesh) RestoreBoth(a, b int) {
	m.Restore(a, b)
	m.Restore(b, a)
}

func (m *LocalMesh) isBlocked(from, to int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocked[[2]int{from, to}]
}

// Node returns the Network endpoint for node number self.
func (m *LocalMesh) Node(self int) *LocalNode {
	return &LocalNode{mesh: m, self: self}
}

// LocalNode is one endpoint of a LocalMesh.
type LocalNode struct {
	mesh *LocalMesh
	self int
}

func (n *LocalNode) Deliver(ctx context.Context, peer netconfig.NodeInfo, notification messaging.Notification) error {
	if n.mesh.isBlocked(n.self, peer.Number) {
		return ErrUnreachable
	}
	n.mesh.mu.RLock()
	handler := n.mesh.handlers[peer.Number]
	n.mesh.mu.RUnlock()
	if handler == nil {
		return ErrUnreachable
	}
	go handler(notification)
	return nil
}

func (n *LocalNode) Broadcast(ctx context.Context, peers []netconfig.NodeInfo, notification messaging.Notification) error {
	for _, peer := range peers {
		n.Deliver(ctx, peer, notification)
	}
	return nil
}

func (n *LocalNode) Subscribe(handler func(messaging.Notification)) error {
	n.mesh.mu.Lock()
	defer n.mesh.mu.Unlock()
	n.mesh.handlers[n.self] = handler
	return nil
}

func (n *LocalNode) RequestItem(ctx context.Context, peer netconfig.NodeInfo, id items.HashID, timeout time.Duration) ([]byte, error) {
	if n.mesh.isBlocked(n.self, peer.Number) || n.mesh.isBlocked(peer.Number, n.self) {
		return nil, ErrUnreachable
	}
	n.mesh.mu.RLock()
	server := n.mesh.servers[peer.Number]
	n.mesh.mu.RUnlock()
	if server == nil {
		return nil, ErrUnreachable
	}
	return server(id), nil
}

func (n *LocalNode) ServeItems(fn func(id items.HashID) []byte) error {
	n.mesh.mu.Lock()
	defer n.mesh.mu.Unlock()
	n.mesh.servers[n.self] = fn
	return nil
}

func (n *LocalNode) Ping(ctx context.Context, peer netconfig.NodeInfo, timeout time.Duration) (time.Duration, error) {
	if n.mesh.isBlocked(n.self, peer.Number) || n.mesh.isBlocked(peer.Number, n.self) {
		return 0, ErrUnreachable
	}
	n.mesh.mu.RLock()
	_, alive := n.mesh.handlers[peer.Number]
	n.mesh.mu.RUnlock()
	if !alive {
		return 0, ErrUnreachable
	}
	return time.Microsecond, nil
}

func (n *LocalNode) Shutdown() error {
	n.mesh.mu.Lock()
	defer n.mesh.mu.Unlock()
	delete(n.mesh.handlers, n.self)
	delete(n.mesh.servers, n.self)
	return nil
}
