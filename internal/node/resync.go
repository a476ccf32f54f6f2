package node

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/terminal-bench/notarium/internal/ledger"
	"github.com/terminal-bench/notarium/pkg/items"
	"github.com/terminal-bench/notarium/pkg/messaging"
)

// resyncPaths are the transition chains used to drive a local record to
// a network-settled state from scratch. Resync trusts the network over
// the local record, so a record that cannot reach the settled state
// through the graph is rebuilt along one of these chains.
var resyncPaths = map[items.State][]items.State{
	items.StateApproved: {items.StatePendingPositive, items.StateApproved},
	items.StateDeclined: {items.StatePendingNegative, items.StateDeclined},
	items.StateLocked:   {items.StatePendingPositive, items.StateApproved, items.StateLocked},
	items.StateRevoked:  {items.StatePendingPositive, items.StateApproved, items.StateLocked, items.StateRevoked},
}

// resyncProcessor polls the network for the settled state of one item
// and commits it locally once ResyncBreak distinct peers agree.
type resyncProcessor struct {
	node       *Node
	itemID     items.HashID
	onComplete func(items.State)

	mu       sync.Mutex
	answers  map[int]items.State
	finished bool

	pulse chan struct{}
}

func newResyncProcessor(n *Node, id items.HashID, onComplete func(items.State)) *resyncProcessor {
	return &resyncProcessor{
		node:       n,
		itemID:     id,
		onComplete: onComplete,
		answers:    make(map[int]items.State),
		pulse:      make(chan struct{}, 1),
	}
}

func (r *resyncProcessor) start() {
	r.node.stats.ResyncRequested()
	go r.run()
}

// restart resets the backoff of an already-running resync.
func (r *resyncProcessor) restart() {
	select {
	case r.pulse <- struct{}{}:
	default:
	}
}

func (r *resyncProcessor) run() {
	request := messaging.NewResyncRequest(r.node.cfg.Self.Number, r.itemID.String())
	attempt := 0
	for {
		if r.isFinished() {
			return
		}
		peers := r.node.cfg.Net.Others(r.node.cfg.Self.Number)
		if err := r.node.network.Broadcast(r.node.ctx, peers, request); err != nil {
			log.Printf("%s resync broadcast for %s failed: %v", r.node.label, r.itemID.Short(), err)
		}

		select {
		case <-r.node.ctx.Done():
			return
		case <-r.pulse:
			attempt = 0
		case <-time.After(r.node.pollDelay(attempt)):
			attempt++
		}
	}
}

// obtainAnswer tallies one peer's view, deduplicated by node number,
// and commits when any settled state reaches the resync threshold.
func (r *resyncProcessor) obtainAnswer(notification messaging.Notification) {
	state, ok := stateByName(notification.State)
	if !ok {
		return
	}

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.answers[notification.FromNode] = state

	counts := make(map[items.State]int)
	for _, s := range r.answers {
		if s.ConsensusFound() {
			counts[s]++
		}
	}
	var settled items.State
	committed := false
	for s, c := range counts {
		if c >= r.node.cfg.Quorum.ResyncBreak {
			settled = s
			committed = true
			break
		}
	}
	if committed {
		r.finished = true
	}
	r.mu.Unlock()

	if committed {
		r.commit(settled)
	}
}

func (r *resyncProcessor) commit(settled items.State) {
	ctx := r.node.ctx
	if err := r.saveSettled(ctx, settled); err != nil {
		log.Printf("%s resync commit of %s to %s failed: %v", r.node.label, r.itemID.Short(), settled, err)
	}

	r.node.removeResyncProcessor(r.itemID)
	r.node.completeSanitation(r.itemID)
	if r.onComplete != nil {
		r.onComplete(settled)
	}
}

// saveSettled moves the local record to the settled state, rebuilding
// the record along a resync path when the direct transition is not in
// the graph.
func (r *resyncProcessor) saveSettled(ctx context.Context, settled items.State) error {
	record, _, err := r.node.ledger.FindOrCreate(ctx, r.itemID, time.Now().Add(r.node.cfg.DefaultTTL))
	if err != nil {
		return err
	}
	if record.State == settled {
		return nil
	}

	if items.CanTransition(record.State, settled) {
		record.State = settled
		return r.node.ledger.Save(ctx, record)
	}

	if err := r.node.ledger.Destroy(ctx, record); err != nil {
		return err
	}
	record, _, err = r.node.ledger.FindOrCreate(ctx, r.itemID, record.ExpiresAt)
	if err != nil {
		return err
	}
	for _, step := range resyncPaths[settled] {
		record.State = step
		if err := r.node.ledger.Save(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (r *resyncProcessor) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// --- startup sanitation ---

// startSanitation reconciles records left unfinished by a crash.
// Pending records whose item body is still cached get a fresh
// processor; everything else is resynced from the network. Submissions
// for an item still in the set are rejected with ErrSanitating.
func (n *Node) startSanitation() error {
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()

	records, err := n.ledger.FindUnfinished(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		close(n.sanitationDone)
		return nil
	}

	n.mu.Lock()
	for _, record := range records {
		n.sanitating[record.ID] = record
	}
	n.mu.Unlock()

	for _, record := range records {
		go n.sanitateRecord(record)
	}
	return nil
}

// sanitateRecord revives one unfinished record. A pending record whose
// item body survived in the cache goes back through the normal
// protocol; anything else is settled by asking the network.
func (n *Node) sanitateRecord(record *ledger.StateRecord) {
	if record.State.Pending() {
		ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		packed, err := n.cache.GetItem(ctx, record.ID)
		cancel()
		if err == nil {
			if item, derr := n.cfg.Decoder(packed); derr == nil && item.ID() == record.ID {
				n.completeSanitation(record.ID)
				n.locks.WithLock(record.ID, func() error {
					n.findOrCreateProcessor(record.ID, item, parcelContext{})
					return nil
				})
				return
			}
		}
	}

	n.mu.Lock()
	n.startResyncLocked(record.ID, nil)
	n.mu.Unlock()
}

// completeSanitation removes one record from the sanitation set and
// closes the barrier when the set drains.
func (n *Node) completeSanitation(id items.HashID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sanitating[id]; !ok {
		return
	}
	delete(n.sanitating, id)
	if len(n.sanitating) == 0 {
		select {
		case <-n.sanitationDone:
		default:
			close(n.sanitationDone)
		}
	}
}

func (n *Node) isSanitating(id items.HashID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sanitating[id]
	return ok
}

// SanitationDone exposes the startup barrier for callers that want to
// hold work until reconciliation finished.
func (n *Node) SanitationDone() <-chan struct{} {
	return n.sanitationDone
}

// --- reachability ---

// watchReachability probes peers and, when a previously unreachable
// peer comes back, re-pulses every live processor and resyncs aged
// pending records that have no processor anymore.
func (n *Node) watchReachability() {
	ticker := time.NewTicker(n.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		for _, peer := range n.cfg.Net.Others(n.cfg.Self.Number) {
			_, err := n.network.Ping(n.ctx, peer, n.cfg.PingInterval)
			alive := err == nil

			n.reachMu.Lock()
			was, known := n.reachable[peer.Number]
			n.reachable[peer.Number] = alive
			n.reachMu.Unlock()

			if alive && known && !was {
				log.Printf("%s peer %s is back, re-pulsing", n.label, peer)
				n.healAfterPartition()
			}
		}
	}
}

// healAfterPartition nudges live processors to re-broadcast at once and
// resyncs aged pending records left with no processor.
func (n *Node) healAfterPartition() {
	n.mu.Lock()
	procs := make([]*itemProcessor, 0, len(n.processors))
	for _, p := range n.processors {
		procs = append(procs, p)
	}
	n.mu.Unlock()

	for _, p := range procs {
		p.pulseRebroadcast()
	}

	records, err := n.ledger.FindUnfinished(n.ctx)
	if err != nil {
		log.Printf("%s cannot scan for stale records: %v", n.label, err)
		return
	}
	cutoff := time.Now().Add(-n.cfg.ResyncAge)
	for _, record := range records {
		if !record.CreatedAt.Before(cutoff) {
			continue
		}
		n.mu.Lock()
		_, live := n.processors[record.ID]
		if !live {
			n.startResyncLocked(record.ID, nil)
		}
		n.mu.Unlock()
	}
}
