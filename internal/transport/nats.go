package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/notarium/internal/netconfig"
	"github.com/terminal-bench/notarium/pkg/circuit"
	"github.com/terminal-bench/notarium/pkg/items"
	"github.com/terminal-bench/notarium/pkg/messaging"
)

// NATSNetwork routes node-to-node traffic over per-node NATS subjects.
// One breaker per peer keeps a dead peer from burning send attempts.
type NATSNetwork struct {
	self     int
	client   *messaging.Client
	breakers *circuit.BreakerGroup
}

// NewNATS creates the mesh transport for node self.
func NewNATS(self int, client *messaging.Client) *NATSNetwork {
	return &NATSNetwork{
		self:   self,
		client: client,
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     10 * time.Second,
			HalfOpenMax: 2,
		}),
	}
}

func peerKey(peer netconfig.NodeInfo) string {
	return fmt.Sprintf("node-%d", peer.Number)
}

func (t *NATSNetwork) Deliver(ctx context.Context, peer netconfig.NodeInfo, n messaging.Notification) error {
	return t.breakers.Execute(ctx, peerKey(peer), func() error {
		return t.client.Publish(ctx, messaging.NotifySubject(peer.Number), n)
	})
}

func (t *NATSNetwork) Broadcast(ctx context.Context, peers []netconfig.NodeInfo, n messaging.Notification) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if err := t.Deliver(gctx, peer, n); err != nil {
				// best effort: the tally recovers missing votes by pull
				log.Printf("transport: deliver to %s failed: %v", peer, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (t *NATSNetwork) Subscribe(handler func(messaging.Notification)) error {
	return t.client.Subscribe(messaging.NotifySubject(t.self), func(msg *nats.Msg) {
		var n messaging.Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			log.Printf("transport: dropping malformed notification: %v", err)
			return
		}
		go handler(n)
	})
}

func (t *NATSNetwork) RequestItem(ctx context.Context, peer netconfig.NodeInfo, id items.HashID, timeout time.Duration) ([]byte, error) {
	req := messaging.ItemRequest{FromNode: t.self, ItemID: id.String()}
	msg, err := t.client.Request(ctx, messaging.ItemRequestSubject(peer.Number), req, timeout)
	if err != nil {
		return nil, fmt.Errorf("item request to %s failed: %w", peer, err)
	}
	var answer messaging.ItemAnswer
	if err := json.Unmarshal(msg.Data, &answer); err != nil {
		return nil, fmt.Errorf("malformed item answer from %s: %w", peer, err)
	}
	return answer.Packed, nil
}

func (t *NATSNetwork) ServeItems(fn func(id items.HashID) []byte) error {
	return t.client.Subscribe(messaging.ItemRequestSubject(t.self), func(msg *nats.Msg) {
		var req messaging.ItemRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		id, err := items.ParseHashID(req.ItemID)
		if err != nil {
			return
		}
		answer := messaging.ItemAnswer{ItemID: req.ItemID, Packed: fn(id)}
		payload, err := json.Marshal(answer)
		if err != nil {
			return
		}
		msg.Respond(payload)
	})
}

func (t *NATSNetwork) Ping(ctx context.Context, peer netconfig.NodeInfo, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	_, err := t.client.Request(ctx, messaging.PingSubject(peer.Number), t.self, timeout)
	if err != nil {
		return 0, ErrUnreachable
	}
	return time.Since(start), nil
}

// ServePing answers reachability probes from peers.
func (t *NATSNetwork) ServePing() error {
	return t.client.Subscribe(messaging.PingSubject(t.self), func(msg *nats.Msg) {
		msg.Respond([]byte("pong"))
	})
}

func (t *NATSNetwork) Shutdown() error {
	return t.client.Close()
}
