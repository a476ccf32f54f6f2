// Package transport delivers best-effort point-to-point notifications
// between nodes. It tolerates partial connectivity: some node pairs may
// be unreachable while others are fine, and a slow or dead peer never
// stalls traffic to the rest of the mesh.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/terminal-bench/notarium/internal/netconfig"
	"github.com/terminal-bench/notarium/pkg/items"
	"github.com/terminal-bench/notarium/pkg/messaging"
)

// ErrUnreachable is returned when a peer cannot be reached within the
// probe timeout.
var ErrUnreachable = errors.New("transport: peer unreachable")

// Network is the node's view of the mesh.
type Network interface {
	// Deliver sends one notification to a peer. Best effort: the peer
	// may be partitioned away; retry/backoff is the transport's
	// business, not the caller's.
	Deliver(ctx context.Context, peer netconfig.NodeInfo, n messaging.Notification) error

	// Broadcast delivers to every given peer concurrently. Failures to
	// individual peers are absorbed; the first marshaling error, if
	// any, is returned.
	Broadcast(ctx context.Context, peers []netconfig.NodeInfo, n messaging.Notification) error

	// Subscribe registers the inbound notification handler for this
	// node. Handlers run on transport goroutines and must not block.
	Subscribe(handler func(messaging.Notification)) error

	// RequestItem pulls the packed bytes of an item from a peer.
	// Returns ErrMiss-like nil payload if the peer has no copy.
	RequestItem(ctx context.Context, peer netconfig.NodeInfo, id items.HashID, timeout time.Duration) ([]byte, error)

	// ServeItems registers the responder for peers' item pulls. fn
	// returns nil when this node has no copy.
	ServeItems(fn func(id items.HashID) []byte) error

	// Ping probes a peer and returns the round-trip latency, or
	// ErrUnreachable after timeout.
	Ping(ctx context.Context, peer netconfig.NodeInfo, timeout time.Duration) (time.Duration, error)

	Shutdown() error
}
