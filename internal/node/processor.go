package node

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/terminal-bench/notarium/internal/ledger"
	"github.com/terminal-bench/notarium/internal/netconfig"
	"github.com/terminal-bench/notarium/pkg/items"
	"github.com/terminal-bench/notarium/pkg/messaging"
)

type processingPhase int

const (
	phaseInit processingPhase = iota
	phaseDownloading
	phaseChecking
	phasePolling
	phaseDone
)

// parcelContext marks a processor as one half of a parcel. Votes for
// parcel halves travel as parcel notifications so that peers who have
// never seen the parcel can pull it from the sender.
type parcelContext struct {
	parcelID items.HashID
	half     string

	// forceDecline pins the local opinion negative regardless of the
	// item's own check (insufficient parcel payment).
	forceDecline bool
	declineCode  string

	onDone func(items.Result)
}

func (p parcelContext) active() bool { return p.half != "" }

// itemProcessor drives a single item from first sight to a terminal
// ledger state. Exactly one processor exists per item id on a node; the
// node's keyed lock guarantees that.
//
// The vote tally is deduplicated by node number and monotonic per
// message: a node's later opposite opinion moves it between the sets,
// so each peer is counted at most once at any moment.
type itemProcessor struct {
	node   *Node
	itemID items.HashID
	pctx   parcelContext

	startedAt time.Time

	mu        sync.Mutex
	phase     processingPhase
	item      items.Item
	itemReady chan struct{}
	record    *ledger.StateRecord
	ownState  items.State
	checked   bool
	positive  map[int]bool
	negative  map[int]bool
	errs      []items.ErrorRecord
	answerTo  map[int]bool
	sources   map[int]bool

	lockedTargets  []*ledger.StateRecord
	createdRecords []*ledger.StateRecord
	claimedNames   []string
	claimedAddrs   []string
	claimedOrigins []items.HashID

	committed bool
	final     items.State

	done  chan struct{}
	pulse chan struct{}
}

func newItemProcessor(n *Node, id items.HashID, item items.Item, pctx parcelContext) *itemProcessor {
	p := &itemProcessor{
		node:      n,
		itemID:    id,
		pctx:      pctx,
		startedAt: time.Now(),
		item:      item,
		itemReady: make(chan struct{}),
		positive:  make(map[int]bool),
		negative:  make(map[int]bool),
		answerTo:  make(map[int]bool),
		sources:   make(map[int]bool),
		done:      make(chan struct{}),
		pulse:     make(chan struct{}, 1),
	}
	if item != nil {
		close(p.itemReady)
	}
	return p
}

func (p *itemProcessor) start() {
	go p.run()
}

func (p *itemProcessor) run() {
	if !p.waitForItem() {
		// node shutting down, or the verdict settled without a copy
		return
	}
	p.mu.Lock()
	committed := p.committed
	p.mu.Unlock()
	if committed {
		// a verdict deferred on this download owns the record now
		return
	}
	if p.checkItem() {
		p.poll()
	}
}

// supplyItem hands the processor the item body when the submission or a
// peer download arrives after the processor was created by a vote.
func (p *itemProcessor) supplyItem(item items.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.item != nil {
		return
	}
	p.item = item
	close(p.itemReady)
}

func (p *itemProcessor) addSource(number int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[number] = true
}

// waitForItem downloads the item body from voting peers when the
// processor was created by a notification. Returns false when the
// processor should stop without checking.
func (p *itemProcessor) waitForItem() bool {
	p.mu.Lock()
	if p.item != nil {
		p.mu.Unlock()
		return true
	}
	p.phase = phaseDownloading
	p.mu.Unlock()

	attempt := 0
	for {
		for _, peer := range p.downloadCandidates() {
			packed, err := p.node.network.RequestItem(p.node.ctx, peer, p.itemID, 2*time.Second)
			if err != nil || packed == nil {
				continue
			}
			item, err := p.node.cfg.Decoder(packed)
			if err != nil || item.ID() != p.itemID {
				log.Printf("%s bad item body from %s for %s", p.node.label, peer, p.itemID.Short())
				continue
			}
			p.node.cacheItem(p.node.ctx, item)
			p.supplyItem(item)
			return true
		}

		delay := p.node.pollDelay(attempt)
		attempt++
		select {
		case <-p.itemReady:
			return true
		case <-p.done:
			return false
		case <-p.node.ctx.Done():
			return false
		case <-p.pulse:
			attempt = 0
		case <-time.After(delay):
		}
	}
}

func (p *itemProcessor) downloadCandidates() []netconfig.NodeInfo {
	p.mu.Lock()
	sources := make([]int, 0, len(p.sources))
	for number := range p.sources {
		sources = append(sources, number)
	}
	p.mu.Unlock()

	var candidates []netconfig.NodeInfo
	for _, number := range sources {
		if peer, ok := p.node.cfg.Net.Node(number); ok {
			candidates = append(candidates, peer)
		}
	}
	if len(candidates) == 0 {
		candidates = p.node.cfg.Net.Others(p.node.cfg.Self.Number)
	}
	return candidates
}

// checkItem forms the local opinion: persist the provisional record,
// acquire revoke/creation locks and name claims, and cast our own vote.
// Returns false when the item turned out already settled.
func (p *itemProcessor) checkItem() bool {
	ctx := p.node.ctx

	p.mu.Lock()
	item := p.item
	p.mu.Unlock()

	expiresAt := item.Expires()
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(p.node.cfg.DefaultTTL)
	}

	record, existed, err := p.node.ledger.FindOrCreate(ctx, p.itemID, expiresAt)
	if err != nil {
		log.Printf("%s ledger failure for %s: %v", p.node.label, p.itemID.Short(), err)
		p.finish(items.StateUndefined)
		return false
	}
	if existed && record.State.ConsensusFound() {
		p.mu.Lock()
		p.record = record
		p.mu.Unlock()
		p.finish(record.State)
		return false
	}

	p.mu.Lock()
	p.phase = phaseChecking
	p.record = record
	p.mu.Unlock()

	good := p.runLocalCheck(ctx, item, record, expiresAt)

	own := items.StatePendingNegative
	if good {
		own = items.StatePendingPositive
	}

	record.State = own
	if err := p.node.ledger.Save(ctx, record); err != nil {
		log.Printf("%s halting %s: %v", p.node.label, p.itemID.Short(), err)
		p.finish(items.StateUndefined)
		return false
	}

	p.mu.Lock()
	p.ownState = own
	p.checked = true
	p.phase = phasePolling
	waiting := make([]int, 0, len(p.answerTo))
	for number := range p.answerTo {
		waiting = append(waiting, number)
	}
	p.answerTo = make(map[int]bool)
	p.mu.Unlock()

	for _, number := range waiting {
		p.deliverOwnVote(number)
	}

	p.vote(p.node.cfg.Self.Number, own)
	return !p.isDone()
}

// runLocalCheck evaluates the item and takes the pessimistic locks its
// approval would need. Any failure makes the local opinion negative; the
// partial locks stay and are resolved at commit time.
func (p *itemProcessor) runLocalCheck(ctx context.Context, item items.Item, record *ledger.StateRecord, expiresAt time.Time) bool {
	if p.pctx.forceDecline {
		p.appendError(items.ErrorRecord{Code: p.pctx.declineCode, Object: p.itemID.Short(), Message: "payment rejected before consensus"})
		return false
	}

	if err := safeCheck(ctx, item); err != nil {
		p.appendError(items.ErrorRecord{Code: "BAD_ITEM", Object: p.itemID.Short(), Message: err.Error()})
		for _, e := range item.Errors() {
			p.appendError(e)
		}
		return false
	}

	good := true
	for _, target := range item.RevokingIDs() {
		locked, err := p.node.ledger.LockToRevoke(ctx, target, record.RecordID)
		if err != nil {
			p.appendError(items.ErrorRecord{Code: "BAD_REVOKE", Object: target.Short(), Message: err.Error()})
			good = false
			continue
		}
		p.mu.Lock()
		p.lockedTargets = append(p.lockedTargets, locked)
		p.mu.Unlock()
	}
	for _, newID := range item.NewIDs() {
		created, err := p.node.ledger.LockForCreation(ctx, newID, record.RecordID, expiresAt)
		if err != nil {
			p.appendError(items.ErrorRecord{Code: "BAD_NEW_ITEM", Object: newID.Short(), Message: err.Error()})
			good = false
			continue
		}
		p.mu.Lock()
		p.createdRecords = append(p.createdRecords, created)
		p.mu.Unlock()
	}

	if claimer, ok := item.(items.NameClaimer); ok && good {
		if conflicts := p.claimKeys(claimer); len(conflicts) > 0 {
			p.appendError(items.ErrorRecord{
				Code:    "NAME_CONFLICT",
				Object:  p.itemID.Short(),
				Message: (&LockConflictError{Keys: conflicts}).Error(),
			})
			good = false
		}
	}
	return good
}

// claimKeys takes all three namespaces all-or-nothing across the item.
// On any conflict everything claimed so far is released.
func (p *itemProcessor) claimKeys(claimer items.NameClaimer) []string {
	names := claimer.Names()
	origins := claimer.Origins()
	addrs := claimer.Addresses()
	cache := p.node.names

	if conflicts := cache.LockNames(names, p.itemID); conflicts != nil {
		return conflicts
	}
	if conflicts := cache.LockOrigins(origins, p.itemID); conflicts != nil {
		cache.UnlockNames(names, p.itemID)
		return conflicts
	}
	if conflicts := cache.LockAddresses(addrs, p.itemID); conflicts != nil {
		cache.UnlockNames(names, p.itemID)
		cache.UnlockOrigins(origins, p.itemID)
		return conflicts
	}

	p.mu.Lock()
	p.claimedNames = names
	p.claimedOrigins = origins
	p.claimedAddrs = addrs
	p.mu.Unlock()
	return nil
}

// safeCheck confines a panicking item check to a negative opinion.
func safeCheck(ctx context.Context, item items.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item check panicked: %v", r)
		}
	}()
	return item.Check(ctx)
}

// vote records one node's opinion and fires the commit exactly once
// when either threshold is crossed.
func (p *itemProcessor) vote(fromNode int, state items.State) {
	var approve, decline bool

	p.mu.Lock()
	if p.committed {
		p.mu.Unlock()
		return
	}
	switch {
	case state.Positive():
		p.positive[fromNode] = true
		delete(p.negative, fromNode)
	case state == items.StatePendingNegative || state == items.StateDeclined || state == items.StateRevoked:
		p.negative[fromNode] = true
		delete(p.positive, fromNode)
	default:
		// UNDEFINED and DISCARDED carry no opinion weight
		delete(p.positive, fromNode)
		delete(p.negative, fromNode)
	}
	quorum := p.node.cfg.Quorum
	if len(p.positive) >= quorum.PositiveConsensus {
		approve = true
		p.committed = true
	} else if len(p.negative) >= quorum.NegativeConsensus {
		decline = true
		p.committed = true
	}
	p.mu.Unlock()

	if approve {
		p.approveAndCommit()
	} else if decline {
		p.declineAndRollback()
	}
}

// approveAndCommit drives the approve verdict into the ledger. A
// verdict that crossed the threshold before the item body downloaded is
// deferred: the record must not settle while the revoke/creation
// consequences are still unknown, so the commit waits for the download
// the run loop keeps driving, bounded by the download window.
func (p *itemProcessor) approveAndCommit() {
	p.mu.Lock()
	haveItem := p.item != nil
	p.mu.Unlock()

	if haveItem {
		p.commitApproved()
		return
	}
	go p.commitWhenDownloaded()
}

func (p *itemProcessor) commitWhenDownloaded() {
	select {
	case <-p.itemReady:
		p.commitApproved()
	case <-time.After(p.node.cfg.DownloadWindow):
		p.abandonApproval()
	case <-p.node.ctx.Done():
	}
}

// abandonApproval gives up on an approve verdict whose item body never
// arrived. The record rolls back to UNDEFINED; a later vote or resync
// restarts the item from scratch.
func (p *itemProcessor) abandonApproval() {
	ctx := p.node.ctx
	log.Printf("%s no copy of %s within the download window, rolling back", p.node.label, p.itemID.Short())
	if record, err := p.node.ledger.Get(ctx, p.itemID); err == nil && !record.State.ConsensusFound() {
		if derr := p.node.ledger.Destroy(ctx, record); derr != nil {
			log.Printf("%s rollback of %s failed: %v", p.node.label, p.itemID.Short(), derr)
		}
	}
	p.finish(items.StateUndefined)
}

// commitApproved makes the verdict durable: the item becomes APPROVED,
// everything it revokes becomes REVOKED, everything it creates is
// promoted from LOCKED_FOR_CREATION to APPROVED.
func (p *itemProcessor) commitApproved() {
	ctx := p.node.ctx

	record := p.ensureRecord(ctx)
	if record != nil {
		if record.State == items.StateUndefined {
			record.State = items.StatePendingPositive
			if err := p.node.ledger.Save(ctx, record); err != nil {
				log.Printf("%s commit of %s failed: %v", p.node.label, p.itemID.Short(), err)
			}
		}
		record.State = items.StateApproved
		if err := p.node.ledger.Save(ctx, record); err != nil {
			log.Printf("%s commit of %s failed: %v", p.node.label, p.itemID.Short(), err)
		}
	}

	p.mu.Lock()
	item := p.item
	locked := p.lockedTargets
	created := p.createdRecords
	p.mu.Unlock()

	// re-acquire locks the negative local check skipped: the network
	// approved, so the consequences apply here too
	if item != nil && record != nil {
		locked = p.completeRevokeLocks(ctx, item, record, locked)
		created = p.completeCreationLocks(ctx, item, record, created)
	}

	for _, target := range locked {
		target.State = items.StateRevoked
		if err := p.node.ledger.Save(ctx, target); err != nil {
			log.Printf("%s revoke of %s failed: %v", p.node.label, target.ID.Short(), err)
		}
	}
	for _, child := range created {
		child.State = items.StateApproved
		if err := p.node.ledger.Save(ctx, child); err != nil {
			log.Printf("%s promote of %s failed: %v", p.node.label, child.ID.Short(), err)
		}
	}

	p.releaseClaims()
	p.node.stats.ItemApproved(time.Since(p.startedAt))
	p.finish(items.StateApproved)
}

func (p *itemProcessor) completeRevokeLocks(ctx context.Context, item items.Item, record *ledger.StateRecord, locked []*ledger.StateRecord) []*ledger.StateRecord {
	have := make(map[items.HashID]bool, len(locked))
	for _, l := range locked {
		have[l.ID] = true
	}
	for _, target := range item.RevokingIDs() {
		if have[target] {
			continue
		}
		l, err := p.node.ledger.LockToRevoke(ctx, target, record.RecordID)
		if err != nil {
			continue
		}
		locked = append(locked, l)
	}
	return locked
}

func (p *itemProcessor) completeCreationLocks(ctx context.Context, item items.Item, record *ledger.StateRecord, created []*ledger.StateRecord) []*ledger.StateRecord {
	have := make(map[items.HashID]bool, len(created))
	for _, c := range created {
		have[c.ID] = true
	}
	for _, newID := range item.NewIDs() {
		if have[newID] {
			continue
		}
		c, err := p.node.ledger.LockForCreation(ctx, newID, record.RecordID, record.ExpiresAt)
		if err != nil {
			continue
		}
		created = append(created, c)
	}
	return created
}

// declineAndRollback drives the decline verdict: the item becomes
// DECLINED and every lock taken on its behalf is undone.
func (p *itemProcessor) declineAndRollback() {
	ctx := p.node.ctx

	record := p.ensureRecord(ctx)
	if record != nil {
		if record.State == items.StateUndefined {
			record.State = items.StatePendingNegative
			if err := p.node.ledger.Save(ctx, record); err != nil {
				log.Printf("%s decline of %s failed: %v", p.node.label, p.itemID.Short(), err)
			}
		}
		record.State = items.StateDeclined
		if err := p.node.ledger.Save(ctx, record); err != nil {
			log.Printf("%s decline of %s failed: %v", p.node.label, p.itemID.Short(), err)
		}
	}

	p.mu.Lock()
	locked := p.lockedTargets
	created := p.createdRecords
	p.mu.Unlock()

	for _, target := range locked {
		target.State = items.StateApproved
		target.LockedByRecordID = 0
		if err := p.node.ledger.Save(ctx, target); err != nil {
			log.Printf("%s unlock of %s failed: %v", p.node.label, target.ID.Short(), err)
		}
	}
	for _, child := range created {
		if err := p.node.ledger.Destroy(ctx, child); err != nil {
			log.Printf("%s destroy of %s failed: %v", p.node.label, child.ID.Short(), err)
		}
	}

	p.releaseClaims()
	p.node.stats.ItemDeclined(time.Since(p.startedAt))
	p.finish(items.StateDeclined)
}

func (p *itemProcessor) ensureRecord(ctx context.Context) *ledger.StateRecord {
	p.mu.Lock()
	record := p.record
	p.mu.Unlock()
	if record != nil {
		return record
	}
	record, _, err := p.node.ledger.FindOrCreate(ctx, p.itemID, time.Now().Add(p.node.cfg.DefaultTTL))
	if err != nil {
		log.Printf("%s ledger failure for %s: %v", p.node.label, p.itemID.Short(), err)
		return nil
	}
	p.mu.Lock()
	p.record = record
	p.mu.Unlock()
	return record
}

func (p *itemProcessor) releaseClaims() {
	p.mu.Lock()
	names := p.claimedNames
	origins := p.claimedOrigins
	addrs := p.claimedAddrs
	p.claimedNames, p.claimedOrigins, p.claimedAddrs = nil, nil, nil
	p.mu.Unlock()

	p.node.names.UnlockNames(names, p.itemID)
	p.node.names.UnlockOrigins(origins, p.itemID)
	p.node.names.UnlockAddresses(addrs, p.itemID)
}

func (p *itemProcessor) finish(final items.State) {
	p.mu.Lock()
	if p.phase == phaseDone {
		p.mu.Unlock()
		return
	}
	p.phase = phaseDone
	p.committed = true
	p.final = final
	onDone := p.pctx.onDone
	p.mu.Unlock()

	close(p.done)
	// linger so late waiters still see the verdict with its errors
	time.AfterFunc(p.node.cfg.CleanupTimeout, func() {
		p.node.removeProcessor(p.itemID)
	})
	result := p.snapshot()
	p.node.notifyStateChange(result)
	if onDone != nil {
		onDone(result)
	}
}

func (p *itemProcessor) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// poll re-broadcasts our vote, with the configured backoff, to peers
// who have not voted yet, until consensus or shutdown. A reachability
// pulse resets the backoff.
func (p *itemProcessor) poll() {
	attempt := 0
	for {
		p.broadcastVote()
		select {
		case <-p.done:
			return
		case <-p.node.ctx.Done():
			return
		case <-p.pulse:
			attempt = 0
		case <-time.After(p.node.pollDelay(attempt)):
			attempt++
		}
	}
}

// pulseRebroadcast nudges the poll loop after a healed partition.
func (p *itemProcessor) pulseRebroadcast() {
	select {
	case p.pulse <- struct{}{}:
	default:
	}
}

func (p *itemProcessor) broadcastVote() {
	p.mu.Lock()
	if !p.checked || p.committed {
		p.mu.Unlock()
		return
	}
	own := p.ownState
	voted := make(map[int]bool, len(p.positive)+len(p.negative))
	for number := range p.positive {
		voted[number] = true
	}
	for number := range p.negative {
		voted[number] = true
	}
	p.mu.Unlock()

	var silent []netconfig.NodeInfo
	for _, peer := range p.node.cfg.Net.Others(p.node.cfg.Self.Number) {
		if !voted[peer.Number] {
			silent = append(silent, peer)
		}
	}
	if len(silent) == 0 {
		return
	}

	n := p.notification(own, true)
	if err := p.node.network.Broadcast(p.node.ctx, silent, n); err != nil {
		log.Printf("%s broadcast for %s failed: %v", p.node.label, p.itemID.Short(), err)
	}
}

func (p *itemProcessor) notification(state items.State, requestResult bool) messaging.Notification {
	self := p.node.cfg.Self.Number
	if p.pctx.active() {
		return messaging.NewParcelVote(self, p.pctx.parcelID.String(), p.itemID.String(), p.pctx.half, state.String(), requestResult)
	}
	return messaging.NewVote(self, p.itemID.String(), state.String(), requestResult)
}

// answerWhenChecked schedules a direct reply to a peer that asked for
// our opinion before we formed one.
func (p *itemProcessor) answerWhenChecked(fromNode int) {
	p.mu.Lock()
	if !p.checked {
		p.answerTo[fromNode] = true
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.deliverOwnVote(fromNode)
}

func (p *itemProcessor) deliverOwnVote(toNode int) {
	p.mu.Lock()
	state := p.ownState
	if p.phase == phaseDone {
		state = p.final
	}
	n := p.notification(state, false)
	p.mu.Unlock()

	peer, ok := p.node.cfg.Net.Node(toNode)
	if !ok {
		return
	}
	if err := p.node.network.Deliver(p.node.ctx, peer, n); err != nil {
		log.Printf("%s answer to %d failed: %v", p.node.label, toNode, err)
	}
}

// snapshot returns the externally visible result at this instant.
func (p *itemProcessor) snapshot() items.Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := items.Result{
		ItemID:    p.itemID,
		State:     items.StateUndefined,
		HaveCopy:  p.item != nil,
		CreatedAt: p.startedAt,
		Errors:    append([]items.ErrorRecord(nil), p.errs...),
	}
	if p.record != nil {
		result.State = p.record.State
		result.CreatedAt = p.record.CreatedAt
		result.ExpiresAt = p.record.ExpiresAt
	}
	if p.phase == phaseDone {
		result.State = p.final
	}
	return result
}

func (p *itemProcessor) appendError(e items.ErrorRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, e)
}
