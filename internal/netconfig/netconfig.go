// Package netconfig describes one epoch of the notarization network: the
// ordered, immutable set of member nodes and the quorum thresholds
// derived from its size.
package netconfig

import (
	"fmt"
	"math"
	"sort"
)

// NodeInfo identifies one member of the quorum. Number is the stable
// identity used in all thresholds and vote tallies.
type NodeInfo struct {
	Number    int    `json:"number"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	PublicKey []byte `json:"public_key,omitempty"`
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("node(%d:%s)", n.Number, n.Name)
}

// NetConfig is the immutable node set of one network epoch.
type NetConfig struct {
	nodes    []NodeInfo
	byNumber map[int]NodeInfo
}

// New builds a config from the given nodes, ordered by node number.
// Node numbers must be unique.
func New(nodes []NodeInfo) (*NetConfig, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("net config needs at least one node")
	}
	byNumber := make(map[int]NodeInfo, len(nodes))
	ordered := make([]NodeInfo, len(nodes))
	copy(ordered, nodes)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })
	for _, node := range ordered {
		if _, dup := byNumber[node.Number]; dup {
			return nil, fmt.Errorf("duplicate node number %d", node.Number)
		}
		byNumber[node.Number] = node
	}
	return &NetConfig{nodes: ordered, byNumber: byNumber}, nil
}

// Size returns the number of nodes in the epoch.
func (c *NetConfig) Size() int { return len(c.nodes) }

// Node looks up a member by number.
func (c *NetConfig) Node(number int) (NodeInfo, bool) {
	n, ok := c.byNumber[number]
	return n, ok
}

// Nodes returns the ordered member list.
func (c *NetConfig) Nodes() []NodeInfo {
	out := make([]NodeInfo, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// Others returns every member except self.
func (c *NetConfig) Others(self int) []NodeInfo {
	out := make([]NodeInfo, 0, len(c.nodes)-1)
	for _, n := range c.nodes {
		if n.Number != self {
			out = append(out, n)
		}
	}
	return out
}

// Quorum holds the independent approve and decline thresholds. An item
// is approved once PositiveConsensus distinct nodes vote approve, and
// declined once NegativeConsensus distinct nodes vote decline, whichever
// happens first.
type Quorum struct {
	PositiveConsensus int
	NegativeConsensus int

	// ResyncBreak is the distinct-answer count at which a resync accepts
	// the dominant committed state reported by peers.
	ResyncBreak int
}

// DefaultQuorum derives thresholds from the network size: 90% of nodes
// to approve, 11% to decline, 20% to settle a resync.
func DefaultQuorum(nodesCount int) Quorum {
	q := Quorum{
		PositiveConsensus: int(math.Floor(float64(nodesCount) * 0.90)),
		NegativeConsensus: int(math.Ceil(float64(nodesCount) * 0.11)),
		ResyncBreak:       int(math.Ceil(float64(nodesCount) * 0.2)),
	}
	if q.PositiveConsensus < 1 {
		q.PositiveConsensus = 1
	}
	if q.NegativeConsensus < 1 {
		q.NegativeConsensus = 1
	}
	if q.ResyncBreak < 1 {
		q.ResyncBreak = 1
	}
	return q
}

// Validate reports whether the thresholds are reachable at all for the
// given network size.
func (q Quorum) Validate(nodesCount int) error {
	if q.PositiveConsensus < 1 || q.NegativeConsensus < 1 {
		return fmt.Errorf("quorum thresholds must be positive")
	}
	if q.PositiveConsensus > nodesCount || q.NegativeConsensus > nodesCount {
		return fmt.Errorf("quorum thresholds %d/%d exceed network size %d",
			q.PositiveConsensus, q.NegativeConsensus, nodesCount)
	}
	return nil
}
