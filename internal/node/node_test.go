package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/notarium/internal/cache"
	"github.com/terminal-bench/notarium/internal/ledger"
	"github.com/terminal-bench/notarium/internal/netconfig"
	"github.com/terminal-bench/notarium/internal/stats"
	"github.com/terminal-bench/notarium/internal/transport"
	"github.com/terminal-bench/notarium/pkg/items"
	"github.com/terminal-bench/notarium/pkg/messaging"
	"github.com/terminal-bench/notarium/pkg/namecache"
)

const (
	eventually = 10 * time.Second
	tick       = 20 * time.Millisecond
)

type testNetwork struct {
	mesh    *transport.LocalMesh
	nodes   []*Node
	ledgers []*ledger.Memory
	names   []*namecache.NameCache
}

func fastSchedule() []time.Duration {
	return []time.Duration{
		20 * time.Millisecond, 20 * time.Millisecond,
		50 * time.Millisecond, 100 * time.Millisecond,
		200 * time.Millisecond,
	}
}

func newTestNetwork(t *testing.T, size int) *testNetwork {
	t.Helper()
	return newTestNetworkWithQuorum(t, size, netconfig.DefaultQuorum(size))
}

func newTestNetworkWithQuorum(t *testing.T, size int, quorum netconfig.Quorum, tweaks ...func(*Config)) *testNetwork {
	t.Helper()

	infos := make([]netconfig.NodeInfo, size)
	for i := range infos {
		infos[i] = netconfig.NodeInfo{
			Number: i + 1,
			Name:   fmt.Sprintf("test-%d", i+1),
			Host:   "127.0.0.1",
			Port:   2080 + i,
		}
	}
	cfg, err := netconfig.New(infos)
	require.NoError(t, err)

	tn := &testNetwork{mesh: transport.NewLocalMesh()}
	for i := 0; i < size; i++ {
		lg := ledger.NewMemory()
		names := namecache.New(time.Minute, 0)
		nodeCfg := Config{
			Self:           infos[i],
			Net:            cfg,
			Quorum:         quorum,
			Decoder:        items.DecodeTestItem,
			PollSchedule:   fastSchedule(),
			MinPayment:     decimal.NewFromInt(1),
			CleanupTimeout: 200 * time.Millisecond,
		}
		for _, tweak := range tweaks {
			tweak(&nodeCfg)
		}
		n, err := New(nodeCfg, lg, tn.mesh.Node(infos[i].Number), cache.NewMemory(time.Hour), names, stats.NewCollector(infos[i].Number))
		require.NoError(t, err)
		require.NoError(t, n.Start())

		tn.nodes = append(tn.nodes, n)
		tn.ledgers = append(tn.ledgers, lg)
		tn.names = append(tn.names, names)
	}

	t.Cleanup(func() {
		for _, n := range tn.nodes {
			n.Shutdown()
		}
		for _, names := range tn.names {
			names.Shutdown()
		}
	})
	return tn
}

// waitState polls until every node's view of the item reaches want.
func (tn *testNetwork) waitState(t *testing.T, id items.HashID, want items.State) {
	t.Helper()
	assert.Eventually(t, func() bool {
		for _, n := range tn.nodes {
			if n.CheckItem(id).State != want {
				return false
			}
		}
		return true
	}, eventually, tick, "expected %s on all nodes", want)
}

func TestRegisterItemApproved(t *testing.T) {
	tn := newTestNetwork(t, 4)
	item := items.NewTestItem(true)

	result, err := tn.nodes[0].RegisterItem(context.Background(), item)
	require.NoError(t, err)
	assert.True(t, result.HaveCopy)

	final, err := tn.nodes[0].WaitItem(context.Background(), item.ID(), eventually)
	require.NoError(t, err)
	assert.Equal(t, items.StateApproved, final.State)

	tn.waitState(t, item.ID(), items.StateApproved)

	assert.Eventually(t, func() bool {
		return tn.nodes[0].LockCount() == 0
	}, eventually, tick, "keyed locks must be reclaimed")
}

func TestRegisterItemDeclined(t *testing.T) {
	tn := newTestNetwork(t, 4)
	item := items.NewTestItem(false)

	_, err := tn.nodes[0].RegisterItem(context.Background(), item)
	require.NoError(t, err)

	final, err := tn.nodes[0].WaitItem(context.Background(), item.ID(), eventually)
	require.NoError(t, err)
	assert.Equal(t, items.StateDeclined, final.State)
	assert.NotEmpty(t, final.Errors)
}

func TestApprovalRevokesAndCreates(t *testing.T) {
	tn := newTestNetwork(t, 4)
	ctx := context.Background()

	base := items.NewTestItem(true)
	_, err := tn.nodes[0].RegisterItem(ctx, base)
	require.NoError(t, err)
	tn.waitState(t, base.ID(), items.StateApproved)

	childID := items.HashIDOf([]byte("future child item"))
	next := items.NewTestItem(true)
	next.AddRevoking(base.ID())
	next.AddCreating(childID)

	_, err = tn.nodes[0].RegisterItem(ctx, next)
	require.NoError(t, err)
	tn.waitState(t, next.ID(), items.StateApproved)

	// the approved item's consequences land on every replica
	tn.waitState(t, base.ID(), items.StateRevoked)
	tn.waitState(t, childID, items.StateApproved)
}

func TestDeclineRollsBackLocks(t *testing.T) {
	tn := newTestNetwork(t, 4)
	ctx := context.Background()

	base := items.NewTestItem(true)
	_, err := tn.nodes[0].RegisterItem(ctx, base)
	require.NoError(t, err)
	tn.waitState(t, base.ID(), items.StateApproved)

	// the item itself checks fine, but one of its revoke targets does
	// not exist, so the base item gets locked and must be unlocked again
	childID := items.HashIDOf([]byte("never born"))
	bad := items.NewTestItem(true)
	bad.AddRevoking(base.ID())
	bad.AddRevoking(items.HashIDOf([]byte("no such record")))
	bad.AddCreating(childID)

	_, err = tn.nodes[0].RegisterItem(ctx, bad)
	require.NoError(t, err)

	final, err := tn.nodes[0].WaitItem(ctx, bad.ID(), eventually)
	require.NoError(t, err)
	assert.Equal(t, items.StateDeclined, final.State)
	require.NotEmpty(t, final.Errors)
	assert.Equal(t, "BAD_REVOKE", final.Errors[0].Code)

	// the base item is usable again and the child id never materialized
	assert.Eventually(t, func() bool {
		record, err := tn.ledgers[0].Get(ctx, base.ID())
		return err == nil && record.State == items.StateApproved
	}, eventually, tick)
	_, err = tn.ledgers[0].Get(ctx, childID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPartitionLeavesItemPendingThenHeals(t *testing.T) {
	tn := newTestNetwork(t, 4)
	ctx := context.Background()

	// node 1 can only talk to node 2: two positives < the threshold of 3
	tn.mesh.BlockBoth(1, 3)
	tn.mesh.BlockBoth(1, 4)
	tn.mesh.BlockBoth(2, 3)
	tn.mesh.BlockBoth(2, 4)

	item := items.NewTestItem(true)
	_, err := tn.nodes[0].RegisterItem(ctx, item)
	require.NoError(t, err)

	result, err := tn.nodes[0].WaitItem(ctx, item.ID(), 500*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, items.StatePendingPositive, result.State)

	tn.mesh.RestoreBoth(1, 3)
	tn.mesh.RestoreBoth(1, 4)
	tn.mesh.RestoreBoth(2, 3)
	tn.mesh.RestoreBoth(2, 4)

	// the poll loop keeps re-broadcasting, so the healed mesh converges
	tn.waitState(t, item.ID(), items.StateApproved)
}

func TestConcurrentRegistrationsShareOneVerdict(t *testing.T) {
	tn := newTestNetwork(t, 4)
	item := items.NewTestItem(true)
	id := item.ID()

	var wg sync.WaitGroup
	results := make([]items.Result, 8)
	for i := 0; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := tn.nodes[0].RegisterItem(context.Background(), item)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	tn.waitState(t, id, items.StateApproved)

	record, err := tn.ledgers[0].Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, items.StateApproved, record.State)

	assert.Eventually(t, func() bool {
		return tn.nodes[0].LockCount() == 0 && tn.nodes[0].ActiveCount() == 0
	}, eventually, tick)
}

func TestVoteTallyDeduplicatesNodes(t *testing.T) {
	// symmetric thresholds so a single stray negative cannot settle
	tn := newTestNetworkWithQuorum(t, 4, netconfig.Quorum{
		PositiveConsensus: 3,
		NegativeConsensus: 3,
		ResyncBreak:       1,
	})

	// isolate node 1 completely so only hand-fed votes count
	for peer := 2; peer <= 4; peer++ {
		tn.mesh.BlockBoth(1, peer)
	}

	item := items.NewTestItem(true)
	_, err := tn.nodes[0].RegisterItem(context.Background(), item)
	require.NoError(t, err)

	tn.nodes[0].mu.Lock()
	proc := tn.nodes[0].processors[item.ID()]
	tn.nodes[0].mu.Unlock()
	require.NotNil(t, proc)

	require.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return proc.checked
	}, eventually, tick, "own opinion must be formed first")

	// repeated votes from the same peer count once
	for i := 0; i < 10; i++ {
		proc.vote(2, items.StatePendingPositive)
	}
	proc.mu.Lock()
	assert.Len(t, proc.positive, 2) // self + node 2
	proc.mu.Unlock()
	assert.False(t, proc.isDone())

	// a later opposite opinion moves the peer between the sets
	proc.vote(2, items.StatePendingNegative)
	proc.mu.Lock()
	assert.Len(t, proc.positive, 1)
	assert.Len(t, proc.negative, 1)
	proc.mu.Unlock()

	// back to positive, plus a third opinion, crosses the threshold
	proc.vote(2, items.StatePendingPositive)
	proc.vote(3, items.StateApproved)

	assert.Eventually(t, func() bool {
		return tn.nodes[0].CheckItem(item.ID()).State == items.StateApproved
	}, eventually, tick)
}

func TestParcelApprovedAndPaymentConsumed(t *testing.T) {
	tn := newTestNetwork(t, 4)
	ctx := context.Background()

	payment := items.NewTestPayment(decimal.NewFromInt(10))
	payload := items.NewTestItem(true)
	parcel, err := items.NewParcel(payment, payload)
	require.NoError(t, err)

	require.NoError(t, tn.nodes[0].RegisterParcel(ctx, parcel))

	final, err := tn.nodes[0].WaitParcel(ctx, parcel.ID(), eventually)
	require.NoError(t, err)
	assert.Equal(t, items.StateApproved, final.State)

	// the payment is spent everywhere and the fee accrued
	tn.waitState(t, payment.ID(), items.StateRevoked)
	tn.waitState(t, payload.ID(), items.StateApproved)
	assert.Eventually(t, func() bool {
		return tn.ledgers[0].PaymentsTotal().Equal(decimal.NewFromInt(10))
	}, eventually, tick)
}

func TestParcelInsufficientPaymentDiscardsPayload(t *testing.T) {
	tn := newTestNetwork(t, 4)
	ctx := context.Background()

	payment := items.NewTestPayment(decimal.NewFromFloat(0.5))
	payload := items.NewTestItem(true)
	parcel, err := items.NewParcel(payment, payload)
	require.NoError(t, err)

	require.NoError(t, tn.nodes[0].RegisterParcel(ctx, parcel))

	final, err := tn.nodes[0].WaitParcel(ctx, parcel.ID(), eventually)
	require.NoError(t, err)
	assert.Equal(t, items.StateDiscarded, final.State)

	// a payload behind a bad payment never reaches the network
	for i := 1; i < len(tn.ledgers); i++ {
		_, err := tn.ledgers[i].Get(ctx, payload.ID())
		assert.ErrorIs(t, err, ledger.ErrNotFound, "node %d saw the payload", i+1)
	}
	assert.True(t, tn.ledgers[0].PaymentsTotal().IsZero())
}

func TestNameConflictDeclinesSecondClaimer(t *testing.T) {
	tn := newTestNetwork(t, 4)
	ctx := context.Background()

	// keep the first item pending so its claims stay held
	for peer := 2; peer <= 4; peer++ {
		tn.mesh.BlockBoth(1, peer)
	}

	first := items.NewTestItem(true)
	first.ClaimNames = []string{"alice"}
	_, err := tn.nodes[0].RegisterItem(ctx, first)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return tn.names[0].Size() > 0
	}, eventually, tick, "first claim must be in place")

	second := items.NewTestItem(true)
	second.ClaimNames = []string{"alice"}
	_, err = tn.nodes[0].RegisterItem(ctx, second)
	require.NoError(t, err)

	final, err := tn.nodes[0].WaitItem(ctx, second.ID(), eventually)
	require.NoError(t, err)
	assert.Equal(t, items.StateDeclined, final.State)
	require.NotEmpty(t, final.Errors)
	assert.Equal(t, "NAME_CONFLICT", final.Errors[0].Code)

	// once the first item settles, its claims are released
	for peer := 2; peer <= 4; peer++ {
		tn.mesh.RestoreBoth(1, peer)
	}
	tn.waitState(t, first.ID(), items.StateApproved)
	assert.Eventually(t, func() bool {
		return tn.names[0].Size() == 0
	}, eventually, tick)
}

func TestStartupSanitationReprocessesPending(t *testing.T) {
	infos := []netconfig.NodeInfo{{Number: 1, Name: "solo", Host: "127.0.0.1", Port: 2080}}
	cfg, err := netconfig.New(infos)
	require.NoError(t, err)

	mesh := transport.NewLocalMesh()
	lg := ledger.NewMemory()
	itemCache := cache.NewMemory(time.Hour)
	names := namecache.New(time.Minute, 0)

	// a crash left the item pending with its body still cached
	item := items.NewTestItem(true)
	record, _, err := lg.FindOrCreate(context.Background(), item.ID(), item.Expires())
	require.NoError(t, err)
	record.State = items.StatePendingPositive
	require.NoError(t, lg.Save(context.Background(), record))
	require.NoError(t, itemCache.PutItem(context.Background(), item.ID(), item.Pack()))

	n, err := New(Config{
		Self:         infos[0],
		Net:          cfg,
		Quorum:       netconfig.DefaultQuorum(1),
		Decoder:      items.DecodeTestItem,
		PollSchedule: fastSchedule(),
	}, lg, mesh.Node(1), itemCache, names, stats.NewCollector(1))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer n.Shutdown()

	select {
	case <-n.SanitationDone():
	case <-time.After(eventually):
		t.Fatal("sanitation did not finish")
	}

	assert.Eventually(t, func() bool {
		return n.CheckItem(item.ID()).State == items.StateApproved
	}, eventually, tick)
}

func TestSanitationResyncsWithoutCopy(t *testing.T) {
	tn := newTestNetwork(t, 3)
	ctx := context.Background()

	// the network settled the item, node 1 crashed mid-lock
	item := items.NewTestItem(true)
	for i := 1; i < 3; i++ {
		record, _, err := tn.ledgers[i].FindOrCreate(ctx, item.ID(), item.Expires())
		require.NoError(t, err)
		record.State = items.StatePendingPositive
		require.NoError(t, tn.ledgers[i].Save(ctx, record))
		record.State = items.StateApproved
		require.NoError(t, tn.ledgers[i].Save(ctx, record))
	}

	stale, _, err := tn.ledgers[0].FindOrCreate(ctx, item.ID(), item.Expires())
	require.NoError(t, err)
	stale.State = items.StatePendingPositive
	require.NoError(t, tn.ledgers[0].Save(ctx, stale))

	tn.nodes[0].Resync(item.ID())

	assert.Eventually(t, func() bool {
		record, err := tn.ledgers[0].Get(ctx, item.ID())
		return err == nil && record.State == items.StateApproved
	}, eventually, tick)
}

func TestLateDownloadAppliesRevokes(t *testing.T) {
	tn := newTestNetwork(t, 4)
	ctx := context.Background()

	base := items.NewTestItem(true)
	_, err := tn.nodes[0].RegisterItem(ctx, base)
	require.NoError(t, err)
	tn.waitState(t, base.ID(), items.StateApproved)

	// node 4 still hears votes but cannot fetch item bodies
	for peer := 1; peer <= 3; peer++ {
		tn.mesh.Block(4, peer)
	}

	revoker := items.NewTestItem(true)
	revoker.AddRevoking(base.ID())
	_, err = tn.nodes[0].RegisterItem(ctx, revoker)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for i := 0; i < 3; i++ {
			if tn.nodes[i].CheckItem(revoker.ID()).State != items.StateApproved {
				return false
			}
		}
		return true
	}, eventually, tick, "reachable majority must settle")

	// push the settled verdict at node 4 while it still has no copy
	for peer := 1; peer <= 3; peer++ {
		tn.nodes[3].ObtainNotification(messaging.NewVote(peer, revoker.ID().String(), items.StateApproved.String(), false))
	}

	// the verdict may not settle node 4's ledger without the body: the
	// base item would keep its APPROVED record forever otherwise
	_, err = tn.ledgers[3].Get(ctx, revoker.ID())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	baseRecord, err := tn.ledgers[3].Get(ctx, base.ID())
	require.NoError(t, err)
	assert.Equal(t, items.StateApproved, baseRecord.State)

	for peer := 1; peer <= 3; peer++ {
		tn.mesh.Restore(4, peer)
	}

	// once the body downloads, the deferred commit lands together with
	// its revoke consequences
	tn.waitState(t, revoker.ID(), items.StateApproved)
	tn.waitState(t, base.ID(), items.StateRevoked)
}

func TestApprovalWithoutCopyRollsBack(t *testing.T) {
	tn := newTestNetworkWithQuorum(t, 4, netconfig.DefaultQuorum(4), func(c *Config) {
		c.DownloadWindow = 200 * time.Millisecond
	})
	ctx := context.Background()

	// node 4 hears three approve votes for an item nobody will serve
	id := items.HashIDOf([]byte("body never arrives"))
	for peer := 1; peer <= 3; peer++ {
		tn.mesh.BlockBoth(4, peer)
		tn.nodes[3].ObtainNotification(messaging.NewVote(peer, id.String(), items.StatePendingPositive.String(), false))
	}

	// the download window expires, the record rolls back to UNDEFINED
	// and the processor slot is reclaimed
	assert.Eventually(t, func() bool {
		return tn.nodes[3].ActiveCount() == 0
	}, eventually, tick)
	_, err := tn.ledgers[3].Get(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, items.StateUndefined, tn.nodes[3].CheckItem(id).State)
}

func TestSubmissionsRejectedDuringSanitation(t *testing.T) {
	infos := []netconfig.NodeInfo{
		{Number: 1, Name: "survivor", Host: "127.0.0.1", Port: 2080},
		{Number: 2, Name: "dark-1", Host: "127.0.0.1", Port: 2081},
		{Number: 3, Name: "dark-2", Host: "127.0.0.1", Port: 2082},
	}
	cfg, err := netconfig.New(infos)
	require.NoError(t, err)

	mesh := transport.NewLocalMesh()
	lg := ledger.NewMemory()
	names := namecache.New(time.Minute, 0)
	defer names.Shutdown()
	ctx := context.Background()

	// a crash left the item pending without a cached body; both peers
	// stay dark, so the resync cannot drain the sanitation set
	item := items.NewTestItem(true)
	record, _, err := lg.FindOrCreate(ctx, item.ID(), item.Expires())
	require.NoError(t, err)
	record.State = items.StatePendingPositive
	require.NoError(t, lg.Save(ctx, record))

	n, err := New(Config{
		Self:         infos[0],
		Net:          cfg,
		Quorum:       netconfig.DefaultQuorum(3),
		Decoder:      items.DecodeTestItem,
		PollSchedule: fastSchedule(),
		MinPayment:   decimal.NewFromInt(1),
	}, lg, mesh.Node(1), cache.NewMemory(time.Hour), names, stats.NewCollector(1))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer n.Shutdown()

	_, err = n.RegisterItem(ctx, item)
	assert.ErrorIs(t, err, ErrSanitating)

	payment := items.NewTestPayment(decimal.NewFromInt(5))
	parcel, err := items.NewParcel(payment, item)
	require.NoError(t, err)
	assert.ErrorIs(t, n.RegisterParcel(ctx, parcel), ErrSanitating)

	_, err = n.WaitItem(ctx, item.ID(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrSanitating)
}

func TestUnreachableQuorumLeavesItemPending(t *testing.T) {
	// thresholds above the network size: construction succeeds, every
	// node votes, and the item still never settles
	quorum := netconfig.Quorum{PositiveConsensus: 5, NegativeConsensus: 5, ResyncBreak: 1}
	require.Error(t, quorum.Validate(3))

	tn := newTestNetworkWithQuorum(t, 3, quorum)
	ctx := context.Background()

	item := items.NewTestItem(true)
	_, err := tn.nodes[0].RegisterItem(ctx, item)
	require.NoError(t, err)

	result, err := tn.nodes[0].WaitItem(ctx, item.ID(), 400*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, items.StatePendingPositive, result.State)

	record, err := tn.ledgers[0].Get(ctx, item.ID())
	require.NoError(t, err)
	assert.Equal(t, items.StatePendingPositive, record.State)
}

func TestWaitItemHonorsTimeoutWithoutProcessor(t *testing.T) {
	tn := newTestNetwork(t, 3)
	ctx := context.Background()

	// a pending record with no live processor, as after a restart that
	// kept the ledger but lost the processor registry
	id := items.HashIDOf([]byte("pending without processor"))
	record, _, err := tn.ledgers[0].FindOrCreate(ctx, id, time.Now().Add(time.Hour))
	require.NoError(t, err)
	record.State = items.StatePendingPositive
	require.NoError(t, tn.ledgers[0].Save(ctx, record))

	start := time.Now()
	result, err := tn.nodes[0].WaitItem(ctx, id, 300*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, items.StatePendingPositive, result.State)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	// and the wait returns early when the ledger settles
	go func() {
		time.Sleep(100 * time.Millisecond)
		record.State = items.StateApproved
		tn.ledgers[0].Save(ctx, record)
	}()
	final, err := tn.nodes[0].WaitItem(ctx, id, eventually)
	require.NoError(t, err)
	assert.Equal(t, items.StateApproved, final.State)
}

func TestWaitItemUnknown(t *testing.T) {
	tn := newTestNetwork(t, 3)

	id := items.HashIDOf([]byte("nobody registered this"))
	result := tn.nodes[0].CheckItem(id)
	assert.Equal(t, items.StateUndefined, result.State)
	assert.False(t, result.HaveCopy)

	_, err := tn.nodes[0].WaitItem(context.Background(), id, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
