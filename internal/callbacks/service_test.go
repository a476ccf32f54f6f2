package callbacks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/notarium/internal/ledger"
	"github.com/terminal-bench/notarium/pkg/items"
)

func TestDeliversApprovedItems(t *testing.T) {
	received := make(chan callbackPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload callbackPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	lg := ledger.NewMemory()
	svc := NewService(Config{RetryDelay: 10 * time.Millisecond}, lg)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	origin := items.HashIDOf([]byte("tracked chain"))
	sub, err := svc.Follow(context.Background(), origin, server.URL)
	require.NoError(t, err)
	require.NotZero(t, sub.EnvironmentID)

	svc.OnStateChange(items.Result{ItemID: origin, State: items.StateApproved})

	select {
	case payload := <-received:
		assert.Equal(t, origin, payload.ItemID)
		assert.Equal(t, sub.EnvironmentID, payload.EnvironmentID)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never delivered")
	}

	// the delivery record settles out of the started state
	assert.Eventually(t, func() bool {
		started, err := lg.StartedCallbacks(context.Background())
		return err == nil && len(started) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIgnoresDeclinedItems(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := NewService(Config{}, ledger.NewMemory())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	origin := items.HashIDOf([]byte("declined chain"))
	_, err := svc.Follow(context.Background(), origin, server.URL)
	require.NoError(t, err)

	svc.OnStateChange(items.Result{ItemID: origin, State: items.StateDeclined})

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, hits.Load())
}

func TestRetriesFailedDelivery(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	lg := ledger.NewMemory()
	svc := NewService(Config{Attempts: 3, RetryDelay: 10 * time.Millisecond}, lg)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	origin := items.HashIDOf([]byte("flaky follower"))
	_, err := svc.Follow(context.Background(), origin, server.URL)
	require.NoError(t, err)

	svc.OnStateChange(items.Result{ItemID: origin, State: items.StateApproved})

	assert.Eventually(t, func() bool {
		return attempts.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRedrivesStartedCallbacksOnStart(t *testing.T) {
	received := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	lg := ledger.NewMemory()
	ctx := context.Background()

	// a crash left a started callback with its environment persisted
	sub := Subscription{
		EnvironmentID: 42,
		Origin:        items.HashIDOf([]byte("interrupted")),
		URL:           server.URL,
		ExpiresAt:     time.Now().Add(time.Hour),
		CreatedAt:     time.Now(),
	}
	payload, err := json.Marshal(sub)
	require.NoError(t, err)
	require.NoError(t, lg.SaveEnvironment(ctx, sub.EnvironmentID, payload))
	require.NoError(t, lg.AddCallback(ctx, ledger.CallbackRecord{
		ID:            "stuck-callback",
		EnvironmentID: sub.EnvironmentID,
		State:         ledger.CallbackStarted,
		ExpiresAt:     sub.ExpiresAt,
	}))

	svc := NewService(Config{RetryDelay: 10 * time.Millisecond}, lg)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("started callback was not re-driven")
	}
	assert.Eventually(t, func() bool {
		started, err := lg.StartedCallbacks(ctx)
		return err == nil && len(started) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
