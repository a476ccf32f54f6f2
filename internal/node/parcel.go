package node

import (
	"log"
	"sync"
	"time"

	"github.com/terminal-bench/notarium/internal/netconfig"
	"github.com/terminal-bench/notarium/pkg/items"
	"github.com/terminal-bench/notarium/pkg/messaging"
)

// delayedVote buffers a peer opinion for a parcel half whose processor
// has not started yet. The payload processor deliberately does not
// exist until the payment settles, so payload votes arriving early are
// held here and replayed, in order, when it starts.
type delayedVote struct {
	fromNode      int
	state         items.State
	requestResult bool
}

// parcelProcessor coordinates the two halves of a parcel: the payment
// is processed first, and the payload runs only after the payment is
// approved and consumed. A declined payment discards the payload
// without taking it to the network.
type parcelProcessor struct {
	node     *Node
	parcelID items.HashID

	mu      sync.Mutex
	parcel  *items.Parcel
	sources map[int]bool
	delayed map[string][]delayedVote
	procs   map[string]*itemProcessor
	payload items.Result

	parcelReady chan struct{}
	done        chan struct{}
}

func newParcelProcessor(n *Node, id items.HashID, parcel *items.Parcel) *parcelProcessor {
	p := &parcelProcessor{
		node:        n,
		parcelID:    id,
		parcel:      parcel,
		sources:     make(map[int]bool),
		delayed:     make(map[string][]delayedVote),
		procs:       make(map[string]*itemProcessor),
		parcelReady: make(chan struct{}),
		done:        make(chan struct{}),
	}
	if parcel != nil {
		close(p.parcelReady)
	}
	go p.run()
	return p
}

// supplyParcel hands the parcel body to a processor created by a peer
// vote before the local submission arrived.
func (p *parcelProcessor) supplyParcel(parcel *items.Parcel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.parcel != nil {
		return
	}
	p.parcel = parcel
	close(p.parcelReady)
}

func (p *parcelProcessor) addSource(number int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[number] = true
}

// vote routes a peer opinion to the right half, buffering it when that
// half's processor does not exist yet.
func (p *parcelProcessor) vote(half string, fromNode int, state items.State, requestResult bool) {
	p.mu.Lock()
	proc, ok := p.procs[half]
	if !ok {
		p.delayed[half] = append(p.delayed[half], delayedVote{fromNode, state, requestResult})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	proc.addSource(fromNode)
	proc.vote(fromNode, state)
	if requestResult {
		proc.answerWhenChecked(fromNode)
	}
}

func (p *parcelProcessor) run() {
	if !p.waitForParcel() {
		return
	}

	p.mu.Lock()
	parcel := p.parcel
	p.mu.Unlock()

	paymentResult := p.processHalf(messaging.HalfPayment, parcel.Payment(), p.paymentContext(parcel))

	if paymentResult.State.Approved() {
		p.consumePayment(parcel)
		p.setPayload(p.processHalf(messaging.HalfPayload, parcel.Payload(), parcelContext{
			parcelID: p.parcelID,
			half:     messaging.HalfPayload,
		}))
	} else {
		p.discardPayload(parcel.Payload().ID())
	}

	close(p.done)
	time.AfterFunc(p.node.cfg.CleanupTimeout, func() {
		p.node.removeParcelProcessor(p.parcelID)
	})
}

// paymentContext pins the payment negative before any network round
// when the declared amount is below the network minimum.
func (p *parcelProcessor) paymentContext(parcel *items.Parcel) parcelContext {
	pctx := parcelContext{parcelID: p.parcelID, half: messaging.HalfPayment}
	if parcel.PaymentAmount().LessThan(p.node.cfg.MinPayment) {
		pctx.forceDecline = true
		pctx.declineCode = "INSUFFICIENT_PAYMENT"
	}
	return pctx
}

// processHalf runs one half through the ordinary item protocol and
// blocks until its verdict.
func (p *parcelProcessor) processHalf(half string, item items.Item, pctx parcelContext) items.Result {
	resultCh := make(chan items.Result, 1)
	pctx.onDone = func(r items.Result) { resultCh <- r }

	var proc *itemProcessor
	p.node.locks.WithLock(item.ID(), func() error {
		proc = p.node.findOrCreateProcessor(item.ID(), item, pctx)
		return nil
	})
	p.node.cacheItem(p.node.ctx, item)

	p.mu.Lock()
	p.procs[half] = proc
	replay := p.delayed[half]
	delete(p.delayed, half)
	p.mu.Unlock()

	for _, v := range replay {
		proc.addSource(v.fromNode)
		proc.vote(v.fromNode, v.state)
		if v.requestResult {
			proc.answerWhenChecked(v.fromNode)
		}
	}

	select {
	case r := <-resultCh:
		return r
	case <-proc.done:
		return proc.snapshot()
	case <-p.node.ctx.Done():
		return proc.snapshot()
	}
}

// consumePayment spends the approved payment exactly once, before the
// payload finalizes, and accrues the fee.
func (p *parcelProcessor) consumePayment(parcel *items.Parcel) {
	ctx := p.node.ctx
	record, err := p.node.ledger.Get(ctx, parcel.Payment().ID())
	if err != nil {
		log.Printf("%s cannot spend payment of parcel %s: %v", p.node.label, p.parcelID.Short(), err)
		return
	}
	record.State = items.StateLocked
	if err := p.node.ledger.Save(ctx, record); err != nil {
		log.Printf("%s cannot spend payment of parcel %s: %v", p.node.label, p.parcelID.Short(), err)
		return
	}
	record.State = items.StateRevoked
	if err := p.node.ledger.Save(ctx, record); err != nil {
		log.Printf("%s cannot spend payment of parcel %s: %v", p.node.label, p.parcelID.Short(), err)
		return
	}
	if err := p.node.ledger.SavePayment(ctx, parcel.PaymentAmount(), time.Now()); err != nil {
		log.Printf("%s fee accrual for parcel %s failed: %v", p.node.label, p.parcelID.Short(), err)
	}
}

// discardPayload marks the payload DISCARDED locally without any
// network round: a payload behind a bad payment never gets a vote.
func (p *parcelProcessor) discardPayload(payloadID items.HashID) {
	ctx := p.node.ctx
	record, _, err := p.node.ledger.FindOrCreate(ctx, payloadID, time.Now().Add(p.node.cfg.DefaultTTL))
	if err == nil {
		record.State = items.StateDiscarded
		if err := p.node.ledger.Save(ctx, record); err != nil {
			log.Printf("%s discard of %s failed: %v", p.node.label, payloadID.Short(), err)
		}
	}
	result := items.Result{ItemID: payloadID, State: items.StateDiscarded, CreatedAt: time.Now()}
	p.setPayload(result)
	p.node.notifyStateChange(result)
}

func (p *parcelProcessor) setPayload(r items.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payload = r
}

// payloadResult is the parcel's verdict once done is closed.
func (p *parcelProcessor) payloadResult() items.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payload
}

// waitForParcel downloads the packed parcel from a voting peer when the
// processor was created by a parcel notification.
func (p *parcelProcessor) waitForParcel() bool {
	p.mu.Lock()
	if p.parcel != nil {
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()

	attempt := 0
	for {
		for _, peer := range p.downloadCandidates() {
			packed, err := p.node.network.RequestItem(p.node.ctx, peer, p.parcelID, 2*time.Second)
			if err != nil || packed == nil {
				continue
			}
			parcel, err := items.UnpackParcel(packed, p.node.cfg.Decoder)
			if err != nil || parcel.ID() != p.parcelID {
				log.Printf("%s bad parcel body from %s for %s", p.node.label, peer, p.parcelID.Short())
				continue
			}
			p.node.cache.PutParcel(p.node.ctx, p.parcelID, packed)
			p.supplyParcel(parcel)
			return true
		}

		select {
		case <-p.parcelReady:
			return true
		case <-p.node.ctx.Done():
			return false
		case <-time.After(p.node.pollDelay(attempt)):
			attempt++
		}
	}
}

func (p *parcelProcessor) downloadCandidates() []netconfig.NodeInfo {
	p.mu.Lock()
	numbers := make([]int, 0, len(p.sources))
	for number := range p.sources {
		numbers = append(numbers, number)
	}
	p.mu.Unlock()

	var candidates []netconfig.NodeInfo
	for _, number := range numbers {
		if peer, ok := p.node.cfg.Net.Node(number); ok {
			candidates = append(candidates, peer)
		}
	}
	if len(candidates) == 0 {
		candidates = p.node.cfg.Net.Others(p.node.cfg.Self.Number)
	}
	return candidates
}
