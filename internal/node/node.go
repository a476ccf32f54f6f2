// Package node implements the per-item consensus protocol: the
// top-level dispatcher, the item and parcel processors that drive an
// item from submission to a terminal ledger state under quorum voting,
// and the resync/sanitation machinery that reconciles state after
// partitions and crashes.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/notarium/internal/cache"
	"github.com/terminal-bench/notarium/internal/ledger"
	"github.com/terminal-bench/notarium/internal/netconfig"
	"github.com/terminal-bench/notarium/internal/stats"
	"github.com/terminal-bench/notarium/internal/transport"
	"github.com/terminal-bench/notarium/pkg/itemlock"
	"github.com/terminal-bench/notarium/pkg/items"
	"github.com/terminal-bench/notarium/pkg/messaging"
	"github.com/terminal-bench/notarium/pkg/namecache"
)

var (
	// ErrTimeout reports that a caller's wait elapsed before consensus.
	// The protocol keeps running; polling again later is safe.
	ErrTimeout = errors.New("node: wait timed out before consensus")

	// ErrNoQuorumPossible reports thresholds above the reachable node
	// count. The item stays pending until topology or config changes.
	ErrNoQuorumPossible = errors.New("node: quorum thresholds exceed network size")

	// ErrSanitating rejects submissions for items still being
	// reconciled after a crash.
	ErrSanitating = errors.New("node: item is being sanitated, retry later")
)

// LockConflictError reports NameCache keys already claimed by another
// pending registration. Not retried automatically.
type LockConflictError struct {
	Keys []string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("node: names already claimed: %v", e.Keys)
}

// Config collects the node's collaborators and protocol parameters.
type Config struct {
	Self   netconfig.NodeInfo
	Net    *netconfig.NetConfig
	Quorum netconfig.Quorum

	// Decoder reconstitutes items fetched from peers or caches.
	Decoder items.Decoder

	// PollSchedule is the re-broadcast backoff for processors still
	// missing votes; the last interval repeats.
	PollSchedule []time.Duration

	// PingInterval drives the peer reachability watcher; zero disables
	// it (tests drive resync explicitly).
	PingInterval time.Duration

	// ResyncAge is the pending-record age past which a healed partition
	// triggers an active resync instead of passive polling.
	ResyncAge time.Duration

	// DefaultTTL bounds records for items that do not carry an expiry.
	DefaultTTL time.Duration

	// DownloadWindow bounds how long an approve verdict that arrived
	// before the item body waits for the download before the record
	// rolls back to UNDEFINED.
	DownloadWindow time.Duration

	// MinPayment is the smallest payment amount a parcel must carry.
	MinPayment decimal.Decimal

	// CleanupTimeout is how long a finished processor entry lingers
	// before the registry slot is reclaimed.
	CleanupTimeout time.Duration
}

func (c *Config) withDefaults() {
	if len(c.PollSchedule) == 0 {
		c.PollSchedule = []time.Duration{
			time.Second, time.Second, time.Second, 2 * time.Second,
			4 * time.Second, 8 * time.Second, 16 * time.Second,
			32 * time.Second, 60 * time.Second,
		}
	}
	if c.ResyncAge == 0 {
		c.ResyncAge = 20 * time.Minute
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 90 * 24 * time.Hour
	}
	if c.DownloadWindow == 0 {
		c.DownloadWindow = 5 * time.Minute
	}
	if c.CleanupTimeout == 0 {
		c.CleanupTimeout = 5 * time.Minute
	}
}

// Node coordinates all in-flight consensus work on one network member.
// It owns the live processor registries and routes inbound notifications
// to the right processor; exactly one processor is authoritative per
// item id at any time.
type Node struct {
	cfg     Config
	ledger  ledger.Ledger
	network transport.Network
	cache   cache.Cache
	names   *namecache.NameCache
	locks   *itemlock.ItemLock
	stats   *stats.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	processors map[items.HashID]*itemProcessor
	parcels    map[items.HashID]*parcelProcessor
	resyncs    map[items.HashID]*resyncProcessor

	sanitating     map[items.HashID]*ledger.StateRecord
	sanitationDone chan struct{}

	reachMu   sync.Mutex
	reachable map[int]bool

	listenerMu     sync.RWMutex
	stateListeners []func(items.Result)

	label string
}

// AddStateListener registers a callback fired whenever an item reaches
// a terminal state on this node. Used by the gateway to push verdicts
// to connected clients and by the follower callback service; listeners
// must not block.
func (n *Node) AddStateListener(fn func(items.Result)) {
	n.listenerMu.Lock()
	defer n.listenerMu.Unlock()
	n.stateListeners = append(n.stateListeners, fn)
}

func (n *Node) notifyStateChange(result items.Result) {
	n.listenerMu.RLock()
	listeners := n.stateListeners
	n.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(result)
	}
}

// New wires a node. Call Start before submitting work.
func New(cfg Config, lg ledger.Ledger, network transport.Network, itemCache cache.Cache, names *namecache.NameCache, collector *stats.Collector) (*Node, error) {
	cfg.withDefaults()
	if err := cfg.Quorum.Validate(cfg.Net.Size()); err != nil {
		// surfaced, not fatal: items stay pending until topology changes
		log.Printf("node %d: %v (%v)", cfg.Self.Number, ErrNoQuorumPossible, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:            cfg,
		ledger:         lg,
		network:        network,
		cache:          itemCache,
		names:          names,
		locks:          itemlock.New(),
		stats:          collector,
		ctx:            ctx,
		cancel:         cancel,
		processors:     make(map[items.HashID]*itemProcessor),
		parcels:        make(map[items.HashID]*parcelProcessor),
		resyncs:        make(map[items.HashID]*resyncProcessor),
		sanitating:     make(map[items.HashID]*ledger.StateRecord),
		sanitationDone: make(chan struct{}),
		reachable:      make(map[int]bool),
		label:          fmt.Sprintf("node(%d)", cfg.Self.Number),
	}
	return n, nil
}

// Start subscribes to the network, runs startup sanitation and launches
// the reachability watcher.
func (n *Node) Start() error {
	if err := n.network.Subscribe(n.ObtainNotification); err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}
	if err := n.network.ServeItems(n.serveItem); err != nil {
		return fmt.Errorf("failed to serve item requests: %w", err)
	}

	if err := n.startSanitation(); err != nil {
		return err
	}

	if n.cfg.PingInterval > 0 {
		go n.watchReachability()
	}
	return nil
}

// Shutdown stops background work. In-flight waiters are released with
// whatever state their items reached.
func (n *Node) Shutdown() {
	n.cancel()
}

// Number returns this node's stable quorum identity.
func (n *Node) Number() int { return n.cfg.Self.Number }

// ActiveCount returns the number of live item processors, for tests and
// operator introspection.
func (n *Node) ActiveCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.processors)
}

// LockCount exposes the live keyed-lock records (reclamation property).
func (n *Node) LockCount() int { return n.locks.Size() }

// RegisterItem submits an item for consensus. It creates or finds the
// authoritative processor for the item id and returns the current,
// possibly pending, result immediately. Use WaitItem to block for the
// verdict.
func (n *Node) RegisterItem(ctx context.Context, item items.Item) (items.Result, error) {
	id := item.ID()

	if n.isSanitating(id) {
		return items.UnknownResult(id), ErrSanitating
	}

	var result items.Result
	err := n.locks.WithLock(id, func() error {
		// already settled?
		record, err := n.ledger.Get(ctx, id)
		if err == nil && record.State.ConsensusFound() {
			result = record.Result(true)
			return nil
		}
		if err != nil && err != ledger.ErrNotFound {
			return err
		}

		proc := n.findOrCreateProcessor(id, item, parcelContext{})
		result = proc.snapshot()
		return nil
	})
	if err != nil {
		return items.UnknownResult(id), err
	}
	n.cacheItem(ctx, item)
	return result, nil
}

// RegisterParcel submits a coupled payment/payload pair. The returned
// error covers registration only; use WaitParcel for the outcome.
func (n *Node) RegisterParcel(ctx context.Context, parcel *items.Parcel) error {
	if n.isSanitating(parcel.Payment().ID()) || n.isSanitating(parcel.Payload().ID()) {
		return ErrSanitating
	}
	id := parcel.ID()
	return n.locks.WithLock(id, func() error {
		n.mu.Lock()
		proc, exists := n.parcels[id]
		if !exists {
			n.parcels[id] = newParcelProcessor(n, id, parcel)
		}
		n.mu.Unlock()
		if exists {
			proc.supplyParcel(parcel)
		}
		if packed := parcel.Pack(); packed != nil {
			n.cache.PutParcel(ctx, id, packed)
		}
		return nil
	})
}

// CheckItem returns the current, possibly non-terminal, state without
// blocking. Peers use it to pull a vote they missed; clients use it to
// poll.
func (n *Node) CheckItem(id items.HashID) items.Result {
	n.mu.Lock()
	proc, ok := n.processors[id]
	n.mu.Unlock()
	if ok {
		return proc.snapshot()
	}

	record, err := n.ledger.Get(context.Background(), id)
	if err != nil {
		return items.UnknownResult(id)
	}
	return record.Result(n.haveCopy(id))
}

// WaitItem blocks until the item reaches a terminal state or timeout
// elapses. A timeout is not a verdict: the processor keeps running. A
// pending record without a live processor is polled in the ledger, so
// the call blocks for its full timeout even across a restart that lost
// the processor registry.
func (n *Node) WaitItem(ctx context.Context, id items.HashID, timeout time.Duration) (items.Result, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		n.mu.Lock()
		proc, ok := n.processors[id]
		n.mu.Unlock()

		if ok {
			select {
			case <-proc.done:
				return proc.snapshot(), nil
			case <-deadline.C:
				n.stats.WaitTimeout()
				return proc.snapshot(), ErrTimeout
			case <-ctx.Done():
				return proc.snapshot(), ctx.Err()
			}
		}

		record, err := n.ledger.Get(ctx, id)
		if err == nil && record.State.ConsensusFound() {
			return record.Result(n.haveCopy(id)), nil
		}
		if n.isSanitating(id) {
			return items.UnknownResult(id), ErrSanitating
		}

		select {
		case <-deadline.C:
			n.stats.WaitTimeout()
			if err == nil {
				return record.Result(n.haveCopy(id)), ErrTimeout
			}
			return items.UnknownResult(id), ErrTimeout
		case <-ctx.Done():
			return items.UnknownResult(id), ctx.Err()
		case <-time.After(n.pollDelay(0)):
		}
	}
}

// WaitParcel blocks until both parcel halves settle, then returns the
// payload's result (the parcel's verdict). The payment outcome remains
// queryable via CheckItem.
func (n *Node) WaitParcel(ctx context.Context, parcelID items.HashID, timeout time.Duration) (items.Result, error) {
	n.mu.Lock()
	proc, ok := n.parcels[parcelID]
	n.mu.Unlock()
	if !ok {
		return items.Result{}, fmt.Errorf("node: unknown parcel %s", parcelID.Short())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-proc.done:
		return proc.payloadResult(), nil
	case <-timer.C:
		n.stats.WaitTimeout()
		return items.Result{}, ErrTimeout
	case <-ctx.Done():
		return items.Result{}, ctx.Err()
	}
}

// StartedCallbacks surfaces follower callbacks left in the started
// state, for the callback service to re-drive after a resync.
func (n *Node) StartedCallbacks(ctx context.Context) ([]ledger.CallbackRecord, error) {
	return n.ledger.StartedCallbacks(ctx)
}

// Resync actively reconciles the local record for id with the network.
func (n *Node) Resync(id items.HashID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.startResyncLocked(id, nil)
}

// startResyncLocked must be called with n.mu held.
func (n *Node) startResyncLocked(id items.HashID, onComplete func(items.State)) {
	if rp, ok := n.resyncs[id]; ok {
		rp.restart()
		return
	}
	rp := newResyncProcessor(n, id, onComplete)
	n.resyncs[id] = rp
	rp.start()
}

// ObtainNotification routes one inbound protocol message.
func (n *Node) ObtainNotification(notification messaging.Notification) {
	id, err := items.ParseHashID(notification.ItemID)
	if err != nil {
		log.Printf("%s dropping notification with bad item id: %v", n.label, err)
		return
	}

	switch notification.Type {
	case messaging.NotificationVote:
		n.obtainVote(id, notification)

	case messaging.NotificationParcelVote:
		n.obtainParcelVote(id, notification)

	case messaging.NotificationResyncRequest:
		n.answerResyncRequest(id, notification)

	case messaging.NotificationResyncAnswer:
		n.mu.Lock()
		rp, ok := n.resyncs[id]
		n.mu.Unlock()
		if ok {
			rp.obtainAnswer(notification)
		}

	default:
		log.Printf("%s dropping notification of unknown type %q", n.label, notification.Type)
	}
}

func (n *Node) obtainVote(id items.HashID, notification messaging.Notification) {
	n.stats.VoteReceived()
	state, ok := stateByName(notification.State)
	if !ok {
		return
	}

	// settled long ago? answer the puller directly without reviving a
	// processor.
	record, err := n.ledger.Get(context.Background(), id)
	if err == nil && record.State.ConsensusFound() {
		if notification.RequestResult {
			n.deliverVote(notification.FromNode, id, record.State, false)
		}
		return
	}

	var proc *itemProcessor
	n.locks.WithLock(id, func() error {
		proc = n.findOrCreateProcessor(id, nil, parcelContext{})
		return nil
	})
	proc.addSource(notification.FromNode)
	proc.vote(notification.FromNode, state)
	if notification.RequestResult {
		proc.answerWhenChecked(notification.FromNode)
	}
}

func (n *Node) obtainParcelVote(id items.HashID, notification messaging.Notification) {
	n.stats.VoteReceived()
	parcelID, err := items.ParseHashID(notification.ParcelID)
	if err != nil {
		return
	}
	state, ok := stateByName(notification.State)
	if !ok {
		return
	}

	n.mu.Lock()
	proc, exists := n.parcels[parcelID]
	if !exists {
		proc = newParcelProcessor(n, parcelID, nil)
		n.parcels[parcelID] = proc
	}
	n.mu.Unlock()

	proc.addSource(notification.FromNode)
	proc.vote(notification.Half, notification.FromNode, state, notification.RequestResult)
}

func (n *Node) answerResyncRequest(id items.HashID, notification messaging.Notification) {
	record, err := n.ledger.Get(context.Background(), id)
	state := items.StateUndefined
	if err == nil && record.State.ConsensusFound() {
		state = record.State
	}
	peer, ok := n.cfg.Net.Node(notification.FromNode)
	if !ok {
		return
	}
	answer := messaging.NewResyncAnswer(n.cfg.Self.Number, id.String(), state.String(), false)
	if err := n.network.Deliver(n.ctx, peer, answer); err != nil {
		log.Printf("%s unable to answer resync request from %d: %v", n.label, notification.FromNode, err)
	}
}

// findOrCreateProcessor returns the single authoritative processor for
// id. Must be called under the item lock for id.
func (n *Node) findOrCreateProcessor(id items.HashID, item items.Item, pctx parcelContext) *itemProcessor {
	n.mu.Lock()
	defer n.mu.Unlock()

	if proc, ok := n.processors[id]; ok {
		if item != nil {
			proc.supplyItem(item)
		}
		return proc
	}
	proc := newItemProcessor(n, id, item, pctx)
	n.processors[id] = proc
	proc.start()
	return proc
}

// removeProcessor reclaims the registry slot once a processor closed.
func (n *Node) removeProcessor(id items.HashID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.processors, id)
}

func (n *Node) removeParcelProcessor(id items.HashID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.parcels, id)
}

func (n *Node) removeResyncProcessor(id items.HashID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.resyncs, id)
}

// deliverVote sends this node's opinion on an item to one peer.
func (n *Node) deliverVote(toNode int, id items.HashID, state items.State, requestResult bool) {
	peer, ok := n.cfg.Net.Node(toNode)
	if !ok {
		return
	}
	vote := messaging.NewVote(n.cfg.Self.Number, id.String(), state.String(), requestResult)
	if err := n.network.Deliver(n.ctx, peer, vote); err != nil {
		log.Printf("%s deliver vote to %d failed: %v", n.label, toNode, err)
	}
}

// serveItem answers peers' pulls for packed items and parcels.
func (n *Node) serveItem(id items.HashID) []byte {
	ctx := context.Background()
	if packed, err := n.cache.GetItem(ctx, id); err == nil {
		return packed
	}
	if packed, err := n.cache.GetParcel(ctx, id); err == nil {
		return packed
	}
	return nil
}

func (n *Node) haveCopy(id items.HashID) bool {
	_, err := n.cache.GetItem(context.Background(), id)
	return err == nil
}

func (n *Node) cacheItem(ctx context.Context, item items.Item) {
	if err := n.cache.PutItem(ctx, item.ID(), item.Pack()); err != nil {
		log.Printf("%s item cache write failed: %v", n.label, err)
	}
}

// pollDelay returns the backoff interval for the given attempt; the
// schedule's last entry repeats.
func (n *Node) pollDelay(attempt int) time.Duration {
	schedule := n.cfg.PollSchedule
	if attempt >= len(schedule) {
		attempt = len(schedule) - 1
	}
	return schedule[attempt]
}

func stateByName(name string) (items.State, bool) {
	for s := items.StateUndefined; s <= items.StateDiscarded; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return items.StateUndefined, false
}
